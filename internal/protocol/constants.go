package protocol

// TCP status frame: NewForm{}<typeCode>{}<baseName>{}<statusText>
const (
	FramePrefix    = "NewForm"
	FrameDelimiter = "{}"
	FrameFields    = 4    // prefix token + type code + base name + status text
	ChunkSize      = 1024 // One socket read, one frame
)

// Outbound operator message: NewMessage||<sender>||<body>
const (
	MessagePrefix    = "NewMessage"
	MessageDelimiter = "||"
)

// Device type wire codes
const (
	CodeMobile = "1"
	CodePC     = "2"
)

// Presentation prefixes used in display names
const (
	PrefixMobile = "📱"
	PrefixPC     = "💻"
)

// OfflineSentinel is the status text a client reports when it goes offline.
// It removes the device instead of updating it.
const OfflineSentinel = "设备已下线"
