package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AltairaLabs/keeper/internal/service"
)

type znode struct {
	data     []byte
	acl      []service.ACL
	stat     service.Stat
	mode     service.CreateMode
	children map[string]*znode
}

func newZnode(data []byte, acl []service.ACL, mode service.CreateMode, owner, zxid int64) *znode {
	now := time.Now().UnixMilli()
	n := &znode{
		data:     append([]byte(nil), data...),
		acl:      append([]service.ACL(nil), acl...),
		mode:     mode,
		children: make(map[string]*znode),
	}
	n.stat = service.Stat{
		Czxid:      zxid,
		Mzxid:      zxid,
		Pzxid:      zxid,
		Ctime:      now,
		Mtime:      now,
		DataLength: int32(len(data)),
	}
	if mode.IsEphemeral() {
		n.stat.EphemeralOwner = owner
	}
	return n
}

func (n *znode) clone() *znode {
	c := &znode{
		data:     n.data,
		acl:      n.acl,
		stat:     n.stat,
		mode:     n.mode,
		children: make(map[string]*znode, len(n.children)),
	}
	for name, child := range n.children {
		c.children[name] = child.clone()
	}
	return c
}

func (n *znode) statCopy() *service.Stat {
	st := n.stat
	st.NumChildren = int32(len(n.children))
	st.DataLength = int32(len(n.data))
	return &st
}

// tree is the node hierarchy plus the transaction id counter. Mutations
// record the watch triggers they cause.
type tree struct {
	root     *znode
	zxid     int64
	maxData  int
	triggers []trigger
}

type trigger struct {
	path  string
	kinds []service.WatchKind
	event service.WatchEventType
}

func newTree(maxData int) *tree {
	return &tree{root: newZnode(nil, service.OpenACL(), service.ModePersistent, 0, 0), maxData: maxData}
}

func (t *tree) snapshot() *tree {
	return &tree{root: t.root.clone(), zxid: t.zxid, maxData: t.maxData}
}

func (t *tree) lookup(path string) *znode {
	if path == "/" {
		return t.root
	}
	n := t.root
	for _, seg := range strings.Split(path[1:], "/") {
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

func versionMatches(want int32, n *znode) bool {
	return want == service.AnyVersion || want == n.stat.Version
}

func (t *tree) create(owner int64, req service.CreateRequest) (string, error) {
	if err := service.ValidatePath(req.Path); err != nil {
		return "", service.NewError(service.CodeBadArguments, req.Path)
	}
	if req.Path == "/" {
		return "", service.NewError(service.CodeNodeExists, req.Path)
	}
	if len(req.Data) > t.maxData {
		return "", service.NewError(service.CodeBadArguments, req.Path)
	}
	if len(req.ACL) == 0 {
		return "", service.NewError(service.CodeInvalidACL, req.Path)
	}

	parentPath := service.ParentPath(req.Path)
	parent := t.lookup(parentPath)
	if parent == nil {
		return "", service.NewError(service.CodeNoNode, req.Path)
	}
	if parent.stat.EphemeralOwner != 0 {
		return "", service.NewError(service.CodeNoChildrenForEphemerals, req.Path)
	}

	name := service.NodeName(req.Path)
	if req.Mode.IsSequential() {
		name += fmt.Sprintf("%010d", parent.stat.Cversion)
	}
	if _, exists := parent.children[name]; exists {
		return "", service.NewError(service.CodeNodeExists, req.Path)
	}

	t.zxid++
	parent.children[name] = newZnode(req.Data, req.ACL, req.Mode, owner, t.zxid)
	parent.stat.Cversion++
	parent.stat.Pzxid = t.zxid

	created := service.JoinPath(parentPath, name)
	t.triggers = append(t.triggers,
		trigger{path: created, kinds: []service.WatchKind{service.WatchExist, service.WatchData}, event: service.NodeCreated},
		trigger{path: parentPath, kinds: []service.WatchKind{service.WatchChildren}, event: service.NodeChildrenChanged},
	)
	return created, nil
}

func (t *tree) delete(req service.DeleteRequest) error {
	if req.Path == "/" {
		return service.NewError(service.CodeBadArguments, req.Path)
	}
	n := t.lookup(req.Path)
	if n == nil {
		return service.NewError(service.CodeNoNode, req.Path)
	}
	if !versionMatches(req.Version, n) {
		return service.NewError(service.CodeBadVersion, req.Path)
	}
	if len(n.children) > 0 {
		return service.NewError(service.CodeNotEmpty, req.Path)
	}

	parentPath := service.ParentPath(req.Path)
	parent := t.lookup(parentPath)
	t.zxid++
	delete(parent.children, service.NodeName(req.Path))
	parent.stat.Cversion++
	parent.stat.Pzxid = t.zxid

	t.triggers = append(t.triggers,
		trigger{path: req.Path, kinds: []service.WatchKind{service.WatchExist, service.WatchData, service.WatchChildren}, event: service.NodeDeleted},
		trigger{path: parentPath, kinds: []service.WatchKind{service.WatchChildren}, event: service.NodeChildrenChanged},
	)
	return nil
}

func (t *tree) setData(req service.SetDataRequest) (*service.Stat, error) {
	n := t.lookup(req.Path)
	if n == nil {
		return nil, service.NewError(service.CodeNoNode, req.Path)
	}
	if !versionMatches(req.Version, n) {
		return nil, service.NewError(service.CodeBadVersion, req.Path)
	}
	if len(req.Data) > t.maxData {
		return nil, service.NewError(service.CodeBadArguments, req.Path)
	}

	t.zxid++
	n.data = append([]byte(nil), req.Data...)
	n.stat.Version++
	n.stat.Mzxid = t.zxid
	n.stat.Mtime = time.Now().UnixMilli()

	t.triggers = append(t.triggers,
		trigger{path: req.Path, kinds: []service.WatchKind{service.WatchExist, service.WatchData}, event: service.NodeDataChanged})
	return n.statCopy(), nil
}

func (t *tree) check(req service.CheckRequest) (*service.Stat, error) {
	n := t.lookup(req.Path)
	if n == nil {
		return nil, service.NewError(service.CodeNoNode, req.Path)
	}
	if !versionMatches(req.Version, n) {
		return nil, service.NewError(service.CodeBadVersion, req.Path)
	}
	return n.statCopy(), nil
}

func (t *tree) getData(path string) ([]byte, *service.Stat, error) {
	n := t.lookup(path)
	if n == nil {
		return nil, nil, service.NewError(service.CodeNoNode, path)
	}
	return append([]byte(nil), n.data...), n.statCopy(), nil
}

func (t *tree) children(path string) ([]string, *service.Stat, error) {
	n := t.lookup(path)
	if n == nil {
		return nil, nil, service.NewError(service.CodeNoNode, path)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, n.statCopy(), nil
}

// ephemerals lists the nodes owned by a session, deepest first.
func (t *tree) ephemerals(owner int64) []string {
	var out []string
	var walk func(path string, n *znode)
	walk = func(path string, n *znode) {
		for name, child := range n.children {
			p := service.JoinPath(path, name)
			walk(p, child)
			if child.stat.EphemeralOwner == owner {
				out = append(out, p)
			}
		}
	}
	walk("/", t.root)
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func (t *tree) paths() []string {
	var out []string
	var walk func(path string, n *znode)
	walk = func(path string, n *znode) {
		out = append(out, path)
		for name, child := range n.children {
			walk(service.JoinPath(path, name), child)
		}
	}
	walk("/", t.root)
	sort.Strings(out)
	return out
}

func (t *tree) takeTriggers() []trigger {
	out := t.triggers
	t.triggers = nil
	return out
}
