// Package mysql opens MySQL connection pools for the job and position stores
// and applies the embedded schema migrations from deploy/migrations.
package mysql
