// Package pool shares backend sessions between conversations that use the
// same set of tools. Entries are refcounted; the all-tools entry backs the
// primary conversation and is never torn down by Release.
package pool
