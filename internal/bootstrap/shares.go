package bootstrap

// 9p mount tags of the directories the host shares with every guest.
const (
	TagRoot    = "rootshare"
	TagLab     = "labshare"
	TagOutput  = "outputshare"
	TagModules = "moduleshare"
)

// Where the shares end up in the guest root.
const (
	LabMount    = "/mnt/lab"
	OutputMount = "/mnt/output"
)

// Initrd layout.
const (
	// InitPath is where the image builder puts this binary.
	InitPath = "/init"
	// ModulesOrder lists the module files to load, in order.
	ModulesOrder = "/modules.order"
)

// staging is where the guest root gets assembled in the initrd.
const (
	sharesDir  = "/shares"
	stagingDir = "/staging"
	rootDir    = stagingDir + "/root"
	// reexecPath is where the binary is copied in the guest root.
	reexecPath = "/run/lldplab-init"
)
