//go:build linux

package firewall

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/nftables"

	"github.com/fosrl/warden/logger"
)

// ruleConn is the part of *nftables.Conn the backend batches commands on.
type ruleConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	Flush() error
}

// Nftables builds each policy into a full table and commits it with a single
// netlink batch, so a failed load leaves the previous rules in place.
type Nftables struct {
	cfg  Config
	conn ruleConn

	mu      sync.Mutex
	applied string
}

// NewNftables creates a backend talking to nf_tables over netlink.
func NewNftables(cfg Config) (*Nftables, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("open nftables connection: %w", err)
	}
	return newNftables(cfg, conn), nil
}

func newNftables(cfg Config, conn ruleConn) *Nftables {
	return &Nftables{cfg: cfg, conn: conn}
}

func (n *Nftables) table() *nftables.Table {
	return &nftables.Table{Family: nftables.TableFamilyINet, Name: n.cfg.table()}
}

// Apply loads the rules for policy. Re-applying the active policy does nothing.
func (n *Nftables) Apply(ctx context.Context, policy Policy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rs := buildRuleset(n.cfg, policy)
	fingerprint := rs.String()

	n.mu.Lock()
	defer n.mu.Unlock()

	if fingerprint == n.applied {
		logger.Debug("Firewall policy %s already active", policy.Kind)
		return nil
	}

	// Adding before deleting keeps the delete valid when the table does not exist yet.
	table := n.conn.AddTable(n.table())
	n.conn.DelTable(table)
	table = n.conn.AddTable(n.table())

	chains := make(map[string]*nftables.Chain, len(rs.chains))
	for _, c := range rs.chains {
		chainPolicy := c.policy
		chains[c.name] = n.conn.AddChain(&nftables.Chain{
			Name:     c.name,
			Table:    table,
			Type:     c.typ,
			Hooknum:  c.hook,
			Priority: c.priority,
			Policy:   &chainPolicy,
		})
	}
	for _, r := range rs.rules {
		n.conn.AddRule(&nftables.Rule{Table: table, Chain: chains[r.chain], Exprs: r.exprs})
	}

	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("apply %s policy: %w", policy.Kind, err)
	}
	n.applied = fingerprint
	logger.Debug("Applied firewall policy %s with %d rules", policy, len(rs.rules))
	return nil
}

// Reset removes every rule this backend installed.
func (n *Nftables) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	table := n.conn.AddTable(n.table())
	n.conn.DelTable(table)
	if err := n.conn.Flush(); err != nil {
		return fmt.Errorf("reset firewall: %w", err)
	}
	n.applied = ""
	logger.Debug("Firewall rules removed")
	return nil
}
