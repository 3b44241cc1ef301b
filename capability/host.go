package capability

// NewLinuxHost wires the Linux implementations of every capability.
func NewLinuxHost() *Host {
	runner := ExecRunner{}
	return &Host{
		Users:     NewLocalUsers(runner),
		Files:     NewLocalFiles(runner),
		Services:  NewSystemdServices(runner),
		Processes: NewProcFS(),
		Metrics:   NewLinuxMetrics(runner),
	}
}
