// Package mysql opens MySQL connection pools and applies the embedded schema
// migrations shared by the thread memory and consultation stores.
package mysql
