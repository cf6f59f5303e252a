package correlation

import (
	"github.com/ongoingai/tracebridge/internal/invocation"
)

// Link is the correlation outcome for one invocation.
type Link struct {
	InteractionID  string
	IsToolCallback bool
	// IsToolUsage is true when either side of the exchange referenced tools.
	IsToolUsage bool
	// ResponseUsesTools is true when the response itself requested tools.
	ResponseUsesTools bool
	ParentRunID       string
	// Register is set for interaction roots that should become the anchor
	// once their run id exists.
	Register bool
}

// TraceID returns the id of the tree this invocation belongs to, or "" when
// the invocation starts a new tree.
func (l Link) TraceID() string {
	return l.ParentRunID
}

// Correlator resolves parent linkage against a bounded anchor cache. It never
// performs network or disk I/O.
type Correlator struct {
	anchors *AnchorCache
}

func NewCorrelator(anchors *AnchorCache) *Correlator {
	return &Correlator{anchors: anchors}
}

// Resolve derives the interaction id and parent for inv. The anchor cache is
// only read here; Register performs the single permitted insert.
func (c *Correlator) Resolve(inv invocation.Invocation) Link {
	request := inv.Request.Messages
	response := inv.ResponseMessages()

	interactionID, isCallback := InteractionID(request, response, inv.Identity.SessionID, inv.Identity.RequestID)
	responseUsesTools := HasToolUsage(response)
	link := Link{
		InteractionID:     interactionID,
		IsToolCallback:    isCallback,
		IsToolUsage:       isCallback || responseUsesTools || HasToolUsage(request),
		ResponseUsesTools: responseUsesTools,
	}

	anchor, found := c.anchors.Lookup(interactionID)
	switch {
	case isCallback && found:
		link.ParentRunID = anchor
	case !isCallback && !found:
		link.Register = true
	}
	return link
}

// Register records runID as the anchor of link's interaction when link is an
// interaction root. The first writer wins; later calls report false.
func (c *Correlator) Register(link Link, runID string) (bool, error) {
	if !link.Register {
		return false, nil
	}
	return c.anchors.Register(link.InteractionID, runID)
}

func (c *Correlator) Stats() AnchorCacheStats {
	return c.anchors.Stats()
}

func (c *Correlator) Close() {
	c.anchors.Close()
}
