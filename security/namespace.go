package security

// NamespaceType is a kernel namespace kind a process filter can match on.
type NamespaceType string

const (
	NamespaceUts             NamespaceType = "Uts"
	NamespaceIpc             NamespaceType = "Ipc"
	NamespaceMnt             NamespaceType = "Mnt"
	NamespacePid             NamespaceType = "Pid"
	NamespacePidForChildren  NamespaceType = "PidForChildren"
	NamespaceNet             NamespaceType = "Net"
	NamespaceCgroup          NamespaceType = "Cgroup"
	NamespaceUser            NamespaceType = "User"
	NamespaceTime            NamespaceType = "Time"
	NamespaceTimeForChildren NamespaceType = "TimeForChildren"
)

var namespaceTypes = []NamespaceType{
	NamespaceUts,
	NamespaceIpc,
	NamespaceMnt,
	NamespacePid,
	NamespacePidForChildren,
	NamespaceNet,
	NamespaceCgroup,
	NamespaceUser,
	NamespaceTime,
	NamespaceTimeForChildren,
}

// NamespaceTypes returns every valid namespace type.
func NamespaceTypes() []NamespaceType {
	out := make([]NamespaceType, len(namespaceTypes))
	copy(out, namespaceTypes)
	return out
}

// IsValidNamespaceType reports whether s names one of the ten kernel
// namespace kinds. The comparison is case-sensitive.
func IsValidNamespaceType(s string) bool {
	for _, t := range namespaceTypes {
		if string(t) == s {
			return true
		}
	}
	return false
}
