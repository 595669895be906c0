// Package domain defines the data model shared by every agent: raw provider
// records, merged opportunities, risk scores, strategy plans, positions, and
// the query/result envelope with its degradation manifest.
package domain
