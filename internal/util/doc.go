// Package util provides small helpers shared across the oauth-ext packages:
// safe truncation for logging, URL normalization for htu and audience
// comparison, loopback detection and scope string handling.
package util
