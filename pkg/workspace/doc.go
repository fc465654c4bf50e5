// Package workspace materializes request-scoped Terraform working
// directories.
//
// A workspace lives at <root>/<request_id>/ and holds terraform.tfvars,
// main.tf referencing the pinned VM module, variables.tf and a .vmpool
// directory with the variable snapshot and, once sealed, the checksum the
// variable file must keep. Rendered variables are checked against a CUE
// schema before anything is written.
package workspace
