package leases

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// PrivilegedAccount bypasses lease checks when the process also runs as uid 0.
const PrivilegedAccount = "root"

// Identity is the login the checks are made on behalf of.
type Identity struct {
	Login string
}

// CurrentIdentity resolves the login of the running process.
func CurrentIdentity() (Identity, error) {
	uid := strconv.Itoa(os.Getuid())
	u, err := user.LookupId(uid)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup uid %s: %w", uid, err)
	}
	return Identity{Login: u.Username}, nil
}

// HomeAccountExists reports whether owner has a home directory under /home,
// which is how testbed accounts are provisioned.
func HomeAccountExists(owner string) bool {
	if owner == "" || strings.ContainsAny(owner, `/\`) || owner == "." || owner == ".." {
		return false
	}
	info, err := os.Stat(filepath.Join("/home", owner))
	return err == nil && info.IsDir()
}
