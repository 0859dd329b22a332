package ota

// Route is one of the actions the update server performs.
type Route uint8

const (
	RouteNotFound Route = iota
	RouteInfo
	RouteSwitch
	RouteUpload
)

func (r Route) String() string {
	switch r {
	case RouteInfo:
		return "info"
	case RouteSwitch:
		return "switch"
	case RouteUpload:
		return "upload"
	default:
		return "not-found"
	}
}

const protoHTTP11 = "HTTP/1.1"

// Match maps a request to its route. Anything outside the fixed table,
// including other protocol versions, is RouteNotFound.
func Match(req *Request) Route {
	if req == nil || req.Proto != protoHTTP11 {
		return RouteNotFound
	}
	switch req.Method {
	case "GET":
		switch req.Path {
		case "/", "/index", "/index.html":
			return RouteInfo
		case "/switch":
			return RouteSwitch
		}
	case "POST":
		if req.Path == "/sketch" {
			return RouteUpload
		}
	}
	return RouteNotFound
}
