//go:build !linux

package procwait

// This package uses pidfd_open(2) and the Linux
// NETLINK_CONNECTOR proc connector, none of which exist outside Linux. The
// reference below exists only to fail the build with a name that states
// the requirement directly in the compiler's own error output.
var _ = procwaitRequiresLinuxSeeDocCommentOnThisFile
