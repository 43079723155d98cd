package policy

// builtinModule is the agent's default policy. It answers the two
// questions the processing loops ask: whether identity provisioning for an
// offering is provider managed, and whether an order is admissible.
// Operator-supplied modules loaded from the policy directory extend the
// deny set.
const builtinModuleName = "crossgate_builtin.rego"

const builtinModule = `package crossgate.agent

default provider_managed := false

provider_managed if {
	data.offerings[input.offering_id].provisioning == "provider"
}

deny contains msg if {
	input.order.kind == "terminate"
	data.offerings[input.order.offering_id].protected == true
	msg := "offering is protected from termination"
}

deny contains msg if {
	some key, limit in input.order.limits
	max_limit := data.offerings[input.order.offering_id].max_limits[key]
	limit > max_limit
	msg := sprintf("limit %s=%v exceeds configured maximum %v", [key, limit, max_limit])
}
`
