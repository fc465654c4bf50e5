// Package render turns a build request into the typed variable mapping that
// parameterizes the VM module, and serializes that mapping as HCL tfvars.
//
// Rendering is split in two steps. Render validates the request and builds
// an engine.Variables map; EncodeTFVars is the only place that knows the
// variable file syntax. Both are pure: the same input always yields the same
// bytes.
package render
