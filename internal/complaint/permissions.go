package complaint

import (
	"civicpulse.org/internal/apperr"
	"civicpulse.org/internal/auth"
)

type edge struct {
	from, to Status
}

// transitions is the complete status table: each edge and the one role that
// may take it. Anything absent is not a transition.
var transitions = map[edge]auth.Role{
	{StatusPending, StatusInProgress}:  auth.RoleOfficer,
	{StatusInProgress, StatusResolved}: auth.RoleOfficer,
	{StatusInProgress, StatusRejected}: auth.RoleOfficer,
}

// CheckTransition validates a status change for role. It returns
// InvalidTransition when the edge does not exist and Forbidden when role may
// not take it.
func CheckTransition(from, to Status, role auth.Role) error {
	want, ok := transitions[edge{from, to}]
	if !ok {
		return apperr.Newf(apperr.CodeInvalidTransition, "cannot move complaint from %s to %s", from, to)
	}
	if role != want {
		return apperr.Newf(apperr.CodeForbidden, "only %s users may move a complaint from %s to %s", want, from, to)
	}
	return nil
}

// NextStatuses lists the statuses role may move a complaint to from from.
func NextStatuses(from Status, role auth.Role) []Status {
	var out []Status
	for _, to := range Statuses {
		if want, ok := transitions[edge{from, to}]; ok && want == role {
			out = append(out, to)
		}
	}
	return out
}

// CanAssign reports whether actor may take c with assign-to-me.
func CanAssign(c Complaint, actor Actor) bool {
	return actor.Role == auth.RoleOfficer && !c.Status.Terminal() && c.AssignedOfficer == ""
}

// CanRate reports whether actor may rate c.
func CanRate(c Complaint, actor Actor) bool {
	return actor.Role == auth.RoleCitizen && c.CitizenID == actor.ID &&
		c.Status == StatusResolved && c.Rating == nil
}

// visible reports whether actor may see c. Citizens only see their own.
func visible(c Complaint, actor Actor) bool {
	switch actor.Role {
	case auth.RoleOfficer:
		return true
	case auth.RoleCitizen:
		return c.CitizenID == actor.ID
	default:
		return false
	}
}
