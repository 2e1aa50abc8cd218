package filter

import "regexp"

// Tri is a three-valued truth value over the Kleene lattice
// {Unknown ⊑ True, Unknown ⊑ False}.
type Tri int

const (
	Unknown Tri = iota
	True
	False
)

func (t Tri) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unknown"
	}
}

// World is a partial snapshot of everything an atom might test. Fields left
// at their zero value are treated as not-yet-known for the atoms that read
// them; callers fill in more fields across successive Push calls as bytes
// arrive (destination first, then method/URL/headers, then response code,
// then body/error outcome).
type World struct {
	HaveDestination bool
	Destination     string
	Port            uint16

	HaveProto bool
	IsTCP     bool
	IsUDP     bool
	IsHTTP    bool
	IsTLS     bool
	IsWebsocket bool

	HaveMethod bool
	Method     string

	HaveURL bool
	URL     string

	HaveDomain bool
	Domain     string

	HaveHeaders bool
	ReqHeaders  map[string]string
	RespHeaders map[string]string

	HaveBody  bool
	ReqBody   []byte
	RespBody  []byte

	HaveResponseCode bool
	ResponseCode     uint16

	HaveError bool
	IsError   bool
}

// Evaluator latches the first decidable result for its expression. Each
// Push evaluates the whole expression against the World it is given; atom
// results from earlier pushes are not kept or reused. Once decided, further
// Push calls are no-ops.
type Evaluator struct {
	root    *Node
	values  map[*Atom]Tri
	decided *bool
}

// Push folds a newer, more-complete World into the evaluator and returns the
// decision once the expression is decidable under three-valued logic. A nil
// return means still Unknown; once non-nil, the Evaluator is latched.
func (e *Evaluator) Push(w World) *bool {
	if e.decided != nil {
		return e.decided
	}

	result := evalNode(e.root, w)
	switch result {
	case True:
		v := true
		e.decided = &v
	case False:
		v := false
		e.decided = &v
	}
	return e.decided
}

// Decided reports whether the evaluator has latched a final value.
func (e *Evaluator) Decided() bool { return e.decided != nil }

func evalNode(n *Node, w World) Tri {
	switch {
	case n.Atom != nil:
		return evalAtom(n.Atom, w)
	case n.Not != nil:
		return negate(evalNode(n.Not, w))
	case len(n.And) > 0:
		return evalAnd(n.And, w)
	case len(n.Or) > 0:
		return evalOr(n.Or, w)
	default:
		return Unknown
	}
}

func negate(t Tri) Tri {
	switch t {
	case True:
		return False
	case False:
		return True
	default:
		return Unknown
	}
}

// evalAnd implements Kleene conjunction: False absorbs, all-True yields
// True, anything else (an Unknown with no False) stays Unknown.
func evalAnd(nodes []*Node, w World) Tri {
	sawUnknown := false
	for _, n := range nodes {
		switch evalNode(n, w) {
		case False:
			return False
		case Unknown:
			sawUnknown = true
		}
	}
	if sawUnknown {
		return Unknown
	}
	return True
}

// evalOr implements Kleene disjunction: True absorbs, all-False yields
// False, anything else stays Unknown.
func evalOr(nodes []*Node, w World) Tri {
	sawUnknown := false
	for _, n := range nodes {
		switch evalNode(n, w) {
		case True:
			return True
		case Unknown:
			sawUnknown = true
		}
	}
	if sawUnknown {
		return Unknown
	}
	return False
}

func evalAtom(a *Atom, w World) Tri {
	switch a.Kind {
	case KindAll:
		return True
	case KindAsset:
		if !w.HaveURL {
			return Unknown
		}
		return boolTri(isAssetPath(w.URL))
	case KindDestination:
		if !w.HaveDestination {
			return Unknown
		}
		return regexTri(a.Regex, w.Destination)
	case KindDomain:
		if !w.HaveDomain {
			return Unknown
		}
		return regexTri(a.Regex, w.Domain)
	case KindUrl:
		if !w.HaveURL {
			return Unknown
		}
		return regexTri(a.Regex, w.URL)
	case KindMethod:
		if !w.HaveMethod {
			return Unknown
		}
		return regexTri(a.Regex, w.Method)
	case KindHttpResponseCode:
		if !w.HaveResponseCode {
			return Unknown
		}
		return boolTri(w.ResponseCode == a.Code)
	case KindHTTP:
		if !w.HaveProto {
			return Unknown
		}
		return boolTri(w.IsHTTP)
	case KindTCP:
		if !w.HaveProto {
			return Unknown
		}
		return boolTri(w.IsTCP)
	case KindUDP:
		if !w.HaveProto {
			return Unknown
		}
		return boolTri(w.IsUDP)
	case KindWebsocket:
		if !w.HaveProto {
			return Unknown
		}
		return boolTri(w.IsWebsocket)
	case KindError:
		if !w.HaveError {
			return Unknown
		}
		return boolTri(w.IsError)
	case KindBody:
		if !w.HaveBody {
			return Unknown
		}
		return bodyTri(a, w)
	case KindContentType:
		if !w.HaveHeaders {
			return Unknown
		}
		return contentTypeTri(a, w)
	case KindHeader:
		if !w.HaveHeaders {
			return Unknown
		}
		return headerTri(a, w)
	case KindDirection:
		// Direction alone carries no truth value in this core: it only
		// scopes sibling atoms (Body/ContentType) via their own Direction
		// field. A bare Direction atom is treated as always-true once any
		// protocol info is known, matching mitmproxy's "direction implies
		// this flow has a request/response in that direction" reading.
		if !w.HaveProto {
			return Unknown
		}
		return True
	default:
		// Comment/Dns/Marked/Marker/Meta/Replay/Source: carried in the
		// grammar for compatibility but this core has no metadata/replay
		// subsystem to test them against, so they never decide.
		return Unknown
	}
}

func headerTri(a *Atom, w World) Tri {
	switch a.Direction {
	case DirRequest:
		return boolTri(anyHeaderMatches(a.Regex, w.ReqHeaders))
	case DirResponse:
		return boolTri(anyHeaderMatches(a.Regex, w.RespHeaders))
	default: // DirBoth
		return boolTri(anyHeaderMatches(a.Regex, w.ReqHeaders) || anyHeaderMatches(a.Regex, w.RespHeaders))
	}
}

func anyHeaderMatches(re *regexp.Regexp, headers map[string]string) bool {
	if re == nil {
		return false
	}
	for name, value := range headers {
		if re.MatchString(name + ": " + value) {
			return true
		}
	}
	return false
}

func boolTri(b bool) Tri {
	if b {
		return True
	}
	return False
}

func regexTri(re *regexp.Regexp, s string) Tri {
	if re == nil {
		return Unknown
	}
	return boolTri(re.MatchString(s))
}

func bodyTri(a *Atom, w World) Tri {
	var body []byte
	switch a.Direction {
	case DirResponse:
		body = w.RespBody
	default:
		body = w.ReqBody
	}
	if a.Regex == nil {
		return Unknown
	}
	return boolTri(a.Regex.Match(body))
}

func contentTypeTri(a *Atom, w World) Tri {
	headers := w.ReqHeaders
	if a.Direction == DirResponse {
		headers = w.RespHeaders
	}
	ct, ok := headerLookup(headers, "content-type")
	if !ok {
		return Unknown
	}
	return regexTri(a.Regex, ct)
}

func headerLookup(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if equalFoldASCII(k, name) {
			return v, true
		}
	}
	return "", false
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func isAssetPath(url string) bool {
	for _, suffix := range assetSuffixes {
		if len(url) >= len(suffix) && url[len(url)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

var assetSuffixes = []string{".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".woff", ".woff2", ".ico"}
