// Package paths confines client-supplied working directories to a base
// directory.
//
// Containment is decided lexically and segment by segment: "/srv/work-evil"
// is a sibling of "/srv/work", not a descendant, even though the strings
// share a prefix. No filesystem access is needed to reject a path.
//
// # Usage
//
//	sb, err := paths.NewSandbox("/srv/work", []string{"**/.git"})
//	dir, err := sb.Resolve("proj")      // /srv/work/proj
//	_, err = sb.Resolve("../../etc")    // errors.Is(err, paths.ErrSandboxViolation)
//
// Deny patterns use doublestar syntax and are matched against the
// slash-separated path relative to the base, including each of its parents.
package paths
