package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		diskLayoutPolicy(),
		memoryAlignmentPolicy(),
		poolSizePolicy(),
		addressingPolicy(),
	}
}

// diskLayoutPolicy keeps the disk set within one paravirtual SCSI controller.
func diskLayoutPolicy() Policy {
	return Policy{
		Name:        "disk-layout",
		Description: "Limits the number and size of disks attached to each VM",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package vmpool.policies.disks

import rego.v1

max_disks := 15

max_disk_gb := 62 * 1024

deny contains violation if {
	count(input.variables.additional_disks) + 1 > max_disks
	violation := {
		"message": sprintf("%d disks per VM exceed the controller limit of %d", [count(input.variables.additional_disks) + 1, max_disks]),
		"field": "additional_disks",
	}
}

deny contains violation if {
	some i
	disk := input.variables.additional_disks[i]
	disk.size > max_disk_gb
	violation := {
		"message": sprintf("additional disk %d is %d GB, the maximum is %d GB", [i, disk.size, max_disk_gb]),
		"field": sprintf("additional_disks[%d].size", [i]),
	}
}

deny contains violation if {
	input.variables.disk_size > max_disk_gb
	violation := {
		"message": sprintf("primary disk is %d GB, the maximum is %d GB", [input.variables.disk_size, max_disk_gb]),
		"field": "disk_size",
	}
}
`,
	}
}

// memoryAlignmentPolicy requires VM memory in whole multiples of 4 MB.
func memoryAlignmentPolicy() Policy {
	return Policy{
		Name:        "memory-alignment",
		Description: "VM memory must be a multiple of 4 MB",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package vmpool.policies.memory

import rego.v1

deny contains violation if {
	input.variables.memory % 4 != 0
	violation := {
		"message": sprintf("memory %d MB is not a multiple of 4 MB", [input.variables.memory]),
		"field": "memory",
	}
}
`,
	}
}

// poolSizePolicy flags unusually large pools for the approver.
func poolSizePolicy() Policy {
	return Policy{
		Name:        "pool-size",
		Description: "Warns when a pool is larger than usual",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package vmpool.policies.pool

import rego.v1

deny contains violation if {
	input.variables.quantity > 25
	violation := {
		"message": sprintf("pool of %d VMs is larger than 25", [input.variables.quantity]),
		"field": "quantity",
	}
}

deny contains violation if {
	input.variables.num_cpus * input.variables.quantity > 256
	violation := {
		"message": sprintf("pool requests %d vCPUs in total", [input.variables.num_cpus * input.variables.quantity]),
		"field": "num_cpus",
	}
}
`,
	}
}

// addressingPolicy rejects the gateway or a DNS server being handed out as
// a VM address.
func addressingPolicy() Policy {
	return Policy{
		Name:        "addressing",
		Description: "VM addresses must not collide with the gateway or DNS servers",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package vmpool.policies.addressing

import rego.v1

deny contains violation if {
	some i
	input.variables.ipv4_address[i] == input.variables.ipv4_gateway
	violation := {
		"message": sprintf("address %s of %s is the gateway", [input.variables.ipv4_address[i], input.variables.vm_names[i]]),
		"field": sprintf("ipv4_address[%d]", [i]),
	}
}

deny contains violation if {
	some i, j
	input.variables.ipv4_address[i] == input.variables.dns_servers[j]
	violation := {
		"message": sprintf("address %s of %s is a DNS server", [input.variables.ipv4_address[i], input.variables.vm_names[i]]),
		"field": sprintf("ipv4_address[%d]", [i]),
	}
}
`,
	}
}
