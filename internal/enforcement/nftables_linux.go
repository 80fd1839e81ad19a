//go:build linux

package enforcement

import (
	"context"
	"net"
	"sync"
	"time"

	"NetSentry/internal/config"
	nserrors "NetSentry/internal/errors"
	"NetSentry/internal/logger"
	"NetSentry/internal/model"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
)

const (
	nfprotoIPv4 = 2
	nfprotoIPv6 = 10
)

// nftConn is the subset of *nftables.Conn used here.
type nftConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	FlushTable(t *nftables.Table)
	AddSet(s *nftables.Set, vals []nftables.SetElement) error
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	SetAddElements(s *nftables.Set, vals []nftables.SetElement) error
	Flush() error
}

// NFTablesEnforcer blocks addresses by adding them to drop sets in a
// dedicated inet table. Adding an address twice is harmless.
type NFTablesEnforcer struct {
	mu    sync.Mutex
	conn  nftConn
	table *nftables.Table
	set4  *nftables.Set
	set6  *nftables.Set
}

// NewNFTablesEnforcer opens a netlink connection and installs the table.
func NewNFTablesEnforcer(cfg config.EnforcementConfig) (*NFTablesEnforcer, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, nserrors.Wrap(err, nserrors.KindEnforcement, "open nftables connection")
	}
	return newNFTablesEnforcer(conn, cfg)
}

func newNFTablesEnforcer(conn nftConn, cfg config.EnforcementConfig) (*NFTablesEnforcer, error) {
	table := conn.AddTable(&nftables.Table{Family: nftables.TableFamilyINet, Name: cfg.NFTTable})
	conn.FlushTable(table)

	set4 := &nftables.Set{Table: table, Name: cfg.NFTSet, KeyType: nftables.TypeIPAddr}
	set6 := &nftables.Set{Table: table, Name: cfg.NFTSet6, KeyType: nftables.TypeIP6Addr}
	for _, s := range []*nftables.Set{set4, set6} {
		if err := conn.AddSet(s, nil); err != nil {
			return nil, nserrors.Wrapf(err, nserrors.KindEnforcement, "add set %s", s.Name)
		}
	}

	for _, hook := range []struct {
		name string
		num  *nftables.ChainHook
	}{{"input", nftables.ChainHookInput}, {"forward", nftables.ChainHookForward}} {
		chain := conn.AddChain(&nftables.Chain{
			Name:     hook.name,
			Table:    table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  hook.num,
			Priority: nftables.ChainPriorityFilter,
		})
		conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: dropFromSet(nfprotoIPv4, 12, 4, set4)})
		conn.AddRule(&nftables.Rule{Table: table, Chain: chain, Exprs: dropFromSet(nfprotoIPv6, 8, 16, set6)})
	}

	if err := conn.Flush(); err != nil {
		return nil, nserrors.Wrapf(err, nserrors.KindEnforcement, "install nftables table %s", cfg.NFTTable)
	}
	logger.WithComponent("enforcement").Infof("nftables table inet %s installed", cfg.NFTTable)
	return &NFTablesEnforcer{conn: conn, table: table, set4: set4, set6: set6}, nil
}

// dropFromSet matches the source address at offset/len of the network header.
func dropFromSet(nfproto byte, offset, length uint32, set *nftables.Set) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{nfproto}},
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: length},
		&expr.Lookup{SourceRegister: 1, SetName: set.Name, SetID: set.ID},
		&expr.Verdict{Kind: expr.VerdictDrop},
	}
}

func (n *NFTablesEnforcer) Name() string { return "nftables" }

// Apply adds the target address to the matching drop set.
func (n *NFTablesEnforcer) Apply(ctx context.Context, req model.ActionRequest) (time.Time, error) {
	if req.Kind != model.ActionBlockIP {
		return time.Time{}, nserrors.Errorf(nserrors.KindEnforcement, "nftables cannot apply %s", req.Kind)
	}
	ip := net.ParseIP(req.Target.Value)
	if ip == nil {
		return time.Time{}, nserrors.Errorf(nserrors.KindEnforcement, "invalid address %q", req.Target.Value)
	}
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	set, key := n.set6, ip.To16()
	if v4 := ip.To4(); v4 != nil {
		set, key = n.set4, v4
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.conn.SetAddElements(set, []nftables.SetElement{{Key: key}}); err != nil {
		return time.Time{}, nserrors.Wrapf(err, nserrors.KindEnforcement, "add %s to %s", ip, set.Name)
	}
	if err := n.conn.Flush(); err != nil {
		return time.Time{}, nserrors.Wrapf(err, nserrors.KindEnforcement, "commit %s to %s", ip, set.Name)
	}
	return time.Now(), nil
}
