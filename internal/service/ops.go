package service

// OpKind tags the request variants.
type OpKind int

const (
	OpCreate OpKind = iota + 1
	OpDelete
	OpSetData
	OpGetData
	OpExists
	OpGetChildren
	OpCheck
	OpMulti
)

func (k OpKind) String() string {
	switch k {
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	case OpSetData:
		return "set_data"
	case OpGetData:
		return "get_data"
	case OpExists:
		return "exists"
	case OpGetChildren:
		return "get_children"
	case OpCheck:
		return "check"
	case OpMulti:
		return "multi"
	default:
		return "unknown"
	}
}

// Op is one request against a single path. The concrete types are the
// *Request structs in this file.
type Op interface {
	Kind() OpKind
	OpPath() string
}

// IsWrite reports whether op may appear inside a multi-operation.
func IsWrite(op Op) bool {
	switch op.(type) {
	case CreateRequest, DeleteRequest, SetDataRequest, CheckRequest:
		return true
	default:
		return false
	}
}

type CreateRequest struct {
	Path string
	Data []byte
	Mode CreateMode
	ACL  []ACL
}

func (CreateRequest) Kind() OpKind     { return OpCreate }
func (r CreateRequest) OpPath() string { return r.Path }

type DeleteRequest struct {
	Path    string
	Version int32
}

func (DeleteRequest) Kind() OpKind     { return OpDelete }
func (r DeleteRequest) OpPath() string { return r.Path }

type SetDataRequest struct {
	Path    string
	Data    []byte
	Version int32
}

func (SetDataRequest) Kind() OpKind     { return OpSetData }
func (r SetDataRequest) OpPath() string { return r.Path }

type GetDataRequest struct {
	Path string
}

func (GetDataRequest) Kind() OpKind     { return OpGetData }
func (r GetDataRequest) OpPath() string { return r.Path }

type ExistsRequest struct {
	Path string
}

func (ExistsRequest) Kind() OpKind     { return OpExists }
func (r ExistsRequest) OpPath() string { return r.Path }

type GetChildrenRequest struct {
	Path string
}

func (GetChildrenRequest) Kind() OpKind     { return OpGetChildren }
func (r GetChildrenRequest) OpPath() string { return r.Path }

// CheckRequest asserts a node version inside a multi-operation.
type CheckRequest struct {
	Path    string
	Version int32
}

func (CheckRequest) Kind() OpKind     { return OpCheck }
func (r CheckRequest) OpPath() string { return r.Path }

// OpResult is the outcome of one sub-operation of a multi-operation.
type OpResult struct {
	Kind OpKind
	// Path is the created path for creates, the requested path otherwise.
	Path string
	Stat *Stat
	Err  error
}
