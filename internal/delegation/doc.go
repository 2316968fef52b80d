// Package delegation holds the authorization core: the delegation record and
// its lifecycle, the closed set of caveats with their pure evaluator, and the
// store contract that owns spend accounting. Everything that mutates
// usedAmount or transactionCount goes through a Store implementation.
package delegation
