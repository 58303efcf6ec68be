package ws

// Available reports whether this build can open websocket links.
// Hosts without one (js, wasip1) should fall back to another
// transport.Dialer such as sselink.
var Available = false

func Supported() bool { return Available }
