/*
Package types defines the shared domain records of Colony.

These are the structs that cross package boundaries: Agent and
Capability, Job with its lifecycle fields, Certificate and Revocation,
BootstrapToken, EnrollmentRequest, the event-log Event, and the
request/response shapes used at the submission boundary. The package has
no dependencies beyond time so that every layer, store, services, hub,
agent runtime, can import it freely.

Status enums carry their small predicate methods here (Job.Terminal,
AgentStatus.Connected, EnrollmentStatus.Terminal) so the rules live next
to the types instead of being re-derived in each caller.
*/
package types
