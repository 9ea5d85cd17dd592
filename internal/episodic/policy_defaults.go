package episodic

// Built-in Rego policies, used when no policy directory is configured. They
// implement the plainest safe tenancy model: callers own the
// ["user", <user_id>] subtree and admins see everything.

const defaultAuthzRego = `
package memories.authz

import future.keywords.if
import future.keywords.in

default allow = false

# Users may access their own namespace subtree
allow if {
    input.namespace[0] == "user"
    input.namespace[1] == input.context.user_id
}

`

const defaultAttrExtractRego = `
package memories.attributes

import future.keywords.if

# Persist namespace root + owner as plaintext attributes for search filtering.
default attributes = {}

attributes = {"namespace": input.namespace[0], "sub": input.namespace[1]} if {
    count(input.namespace) >= 2
}
`

const defaultFilterInjectRego = `
package memories.filter

import future.keywords.if
import future.keywords.in

# Non-admin callers are constrained to their own user subtree.
# If the request is already narrower under user/<user>, keep it.
namespace_prefix := input.namespace_prefix if {
    is_admin
}
namespace_prefix := input.namespace_prefix if {
    not is_admin
    starts_with(input.namespace_prefix, user_prefix)
}
namespace_prefix := user_prefix if {
    not is_admin
    not starts_with(input.namespace_prefix, user_prefix)
}

user_prefix := ["user", input.context.user_id]

starts_with(ns, prefix) if {
    count(prefix) == 0
}
starts_with(ns, prefix) if {
    count(ns) >= count(prefix)
    not mismatch(ns, prefix)
}
mismatch(ns, prefix) if {
    some i
    i < count(prefix)
    ns[i] != prefix[i]
}

is_admin if {
    "admin" in input.context.jwt_claims.roles
}

attribute_filter := {} if {
    is_admin
}
attribute_filter := {"namespace": "user", "sub": input.context.user_id} if {
    not is_admin
}
`
