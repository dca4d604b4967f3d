package policy

import (
	"errors"
	"os/user"
	"slices"
	"strconv"
	"strings"
)

// Principal names a security principal a policy may authorize.
//
//	everyone        every caller
//	administrators  members of an administrative group
//	user:<uid>      one user account
//	group:<gid>     members of one group
type Principal string

const (
	Everyone       Principal = "everyone"
	Administrators Principal = "administrators"
)

const (
	userPrefix  = "user:"
	groupPrefix = "group:"
)

// UserPrincipal returns the principal for the user with the given uid.
func UserPrincipal(uid string) Principal { return Principal(userPrefix + uid) }

// GroupPrincipal returns the principal for the group with the given gid.
func GroupPrincipal(gid string) Principal { return Principal(groupPrefix + gid) }

// Identity is the resolved identity of a connected caller.
type Identity struct {
	UserName string
	UID      string
	GroupIDs []string
	// Admin reports membership in one of the administrative groups. Such a
	// caller still needs Elevated to satisfy the administrators principal.
	Admin bool
	// Elevated reports that the caller runs with full privileges (uid 0).
	Elevated bool
}

// IsMember reports whether id belongs to principal p.
func (id Identity) IsMember(p Principal) bool {
	switch {
	case p == Everyone:
		return true
	case p == Administrators:
		// Group membership alone is not enough; the caller must be elevated.
		return id.Elevated
	case strings.HasPrefix(string(p), userPrefix):
		return id.UID != "" && strings.TrimPrefix(string(p), userPrefix) == id.UID
	case strings.HasPrefix(string(p), groupPrefix):
		return slices.Contains(id.GroupIDs, strings.TrimPrefix(string(p), groupPrefix))
	}
	return false
}

// Resolver maps accounts to principals and builds caller identities.
type Resolver interface {
	// LookupUser returns the uid for a user name.
	LookupUser(name string) (uid string, err error)
	// LookupGroup returns the gid for a group name.
	LookupGroup(name string) (gid string, err error)
	// UserName returns the account name for a uid.
	UserName(uid string) (string, error)
	// GroupName returns the group name for a gid.
	GroupName(gid string) (string, error)
	// Identity builds the identity for the process credentials uid/gid.
	Identity(uid, gid uint32) (Identity, error)
}

// ErrNoSuchAccount is returned by resolvers for unknown names and ids.
var ErrNoSuchAccount = errors.New("policy: no such account")

// DefaultAdminGroups are the group names treated as administrators.
var DefaultAdminGroups = []string{"wheel", "sudo", "admin"}

// OSResolver resolves accounts using the operating system's user database.
type OSResolver struct {
	// AdminGroups overrides DefaultAdminGroups when non-empty.
	AdminGroups []string
}

func (r OSResolver) LookupUser(name string) (string, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return "", ErrNoSuchAccount
	}
	return u.Uid, nil
}

func (r OSResolver) LookupGroup(name string) (string, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return "", ErrNoSuchAccount
	}
	return g.Gid, nil
}

func (r OSResolver) UserName(uid string) (string, error) {
	u, err := user.LookupId(uid)
	if err != nil {
		return "", ErrNoSuchAccount
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

func (r OSResolver) GroupName(gid string) (string, error) {
	g, err := user.LookupGroupId(gid)
	if err != nil {
		return "", ErrNoSuchAccount
	}
	return g.Name, nil
}

func (r OSResolver) Identity(uid, gid uint32) (Identity, error) {
	id := Identity{
		UID:      strconv.FormatUint(uint64(uid), 10),
		Elevated: uid == 0,
	}
	id.UserName = id.UID

	u, err := user.LookupId(id.UID)
	if err == nil {
		if u.Username != "" {
			id.UserName = u.Username
		}
		if gids, err := u.GroupIds(); err == nil {
			id.GroupIDs = gids
		}
	}
	primary := strconv.FormatUint(uint64(gid), 10)
	if !slices.Contains(id.GroupIDs, primary) {
		id.GroupIDs = append(id.GroupIDs, primary)
	}

	admins := r.AdminGroups
	if len(admins) == 0 {
		admins = DefaultAdminGroups
	}
	for _, g := range id.GroupIDs {
		name, err := r.GroupName(g)
		if err == nil && slices.Contains(admins, name) {
			id.Admin = true
			break
		}
	}
	return id, nil
}

var _ Resolver = OSResolver{}
