package engine

// Config controls sandbox backend behavior.
type Config struct {
	CgroupRoot       string `json:"cgroupRoot,optional"`
	SeccompDir       string `json:"seccompDir,optional"`
	HelperPath       string `json:"helperPath,default=sandbox-init"`
	EnableSeccomp    bool   `json:"enableSeccomp,default=false"`
	EnableCgroup     bool   `json:"enableCgroup,default=false"`
	EnableNamespaces bool   `json:"enableNamespaces,default=true"`

	// RunAsUID/RunAsGID, when nonzero, run children as that principal
	// instead of a root-mapped user namespace.
	RunAsUID int `json:"runAsUID,optional"`
	RunAsGID int `json:"runAsGID,optional"`
}
