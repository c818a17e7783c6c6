// Package schema normalizes third-party JSON Schemas into the restricted
// dialect the backend accepts, validates tool arguments, and reflects input
// schemas from Go argument structs.
package schema
