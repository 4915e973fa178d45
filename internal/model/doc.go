// Package model defines the durable records exchanged between the
// persistence bridge and its stores.
//
// Field names follow the store's column names in their json tags so the
// same structs serve CLI output and fixtures.
package model
