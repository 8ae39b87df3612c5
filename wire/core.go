package wire

// Descriptors of the interfaces the runtime itself depends on. The display
// object always has id 1.

var DisplayInterface = &Interface{
	Name:    "wl_display",
	Version: 1,
}

var RegistryInterface = &Interface{
	Name:    "wl_registry",
	Version: 1,
}

var CallbackInterface = &Interface{
	Name:    "wl_callback",
	Version: 1,
}

const (
	DisplaySync        = 0
	DisplayGetRegistry = 1

	DisplayErrorEvent    = 0
	DisplayDeleteIDEvent = 1

	RegistryBind = 0

	RegistryGlobalEvent       = 0
	RegistryGlobalRemoveEvent = 1

	CallbackDoneEvent = 0
)

// wl_display error codes.
const (
	DisplayErrorInvalidObject  = 0
	DisplayErrorInvalidMethod  = 1
	DisplayErrorNoMemory       = 2
	DisplayErrorImplementation = 3
)

func init() {
	DisplayInterface.Requests = []Message{
		{Name: "sync", Signature: "n", Types: []*Interface{CallbackInterface}},
		{Name: "get_registry", Signature: "n", Types: []*Interface{RegistryInterface}},
	}
	DisplayInterface.Events = []Message{
		{Name: "error", Signature: "ous", Types: []*Interface{nil, nil, nil}},
		{Name: "delete_id", Signature: "u", Types: []*Interface{nil}},
	}
	RegistryInterface.Requests = []Message{
		{Name: "bind", Signature: "usun", Types: []*Interface{nil, nil, nil, nil}},
	}
	RegistryInterface.Events = []Message{
		{Name: "global", Signature: "usu", Types: []*Interface{nil, nil, nil}},
		{Name: "global_remove", Signature: "u", Types: []*Interface{nil}},
	}
	CallbackInterface.Events = []Message{
		{Name: "done", Signature: "u", Types: []*Interface{nil}, Destructor: true},
	}
}
