// Package ipam claims and releases VM addresses in NetBox.
//
// Each Allocate call claims the next free address of a NetBox prefix through
// the available-ips endpoint. Network failures, 5xx and 429 responses are
// retried with exponential backoff; an exhausted prefix or an unknown prefix
// fails immediately. Claimed addresses carry a description naming the
// request and interface, which lets a retried claim find an address the
// previous attempt created before its response was lost.
package ipam
