package main

import (
	"sort"
	"time"

	"github.com/daefleet/daefleet/internal/models"
)

// workerView is a per-worker summary folded from the event stream. The
// live registry is in-memory inside daefleetd, so the CLI reconstructs
// fleet state by replaying the durable log.
type workerView struct {
	DAEID         string    `json:"dae_id"`
	Name          string    `json:"dae_name"`
	Domain        string    `json:"domain"`
	State         string    `json:"state"`
	Enabled       bool      `json:"enabled"`
	PID           int       `json:"pid,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	EventCount    int       `json:"event_count"`
}

type projection struct {
	byDAE map[string]*workerView
}

func newProjection() *projection {
	return &projection{byDAE: make(map[string]*workerView)}
}

// replay folds events in sequence order. Events must already be sorted
// ascending by sequence id, which is how the store returns them.
func (p *projection) replay(events []models.DAEEvent) {
	for _, ev := range events {
		p.apply(ev)
	}
}

func (p *projection) apply(ev models.DAEEvent) {
	if ev.DAEID == models.DaemonActorID && ev.EventType == models.EventDaemonHeartbeat {
		return
	}
	switch ev.EventType {
	case models.EventRegistered:
		view := p.view(ev.DAEID)
		view.Name, _ = ev.Payload["dae_name"].(string)
		view.Domain, _ = ev.Payload["domain"].(string)
		if pid, ok := ev.Payload["pid"].(float64); ok {
			view.PID = int(pid)
		}
		view.State = string(models.StateRegistered)
		view.Enabled = true
		view.EventCount++
	case models.EventUnregistered:
		delete(p.byDAE, ev.DAEID)
	case models.EventStateChanged:
		view := p.view(ev.DAEID)
		newState, _ := ev.Payload["new_state"].(string)
		oldState, _ := ev.Payload["old_state"].(string)
		view.State = newState
		if newState == string(models.StateDetached) {
			view.Enabled = false
		}
		if oldState == string(models.StateDetached) && newState == string(models.StateRegistered) {
			view.Enabled = true
		}
		view.EventCount++
	case models.EventHeartbeat:
		view := p.view(ev.DAEID)
		view.LastHeartbeat = ev.Timestamp
		view.EventCount++
	default:
		p.view(ev.DAEID).EventCount++
	}
}

func (p *projection) view(daeID string) *workerView {
	if v, ok := p.byDAE[daeID]; ok {
		return v
	}
	v := &workerView{DAEID: daeID, State: string(models.StateRegistered), Enabled: true}
	p.byDAE[daeID] = v
	return v
}

func (p *projection) workers() []workerView {
	out := make([]workerView, 0, len(p.byDAE))
	for _, v := range p.byDAE {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DAEID < out[j].DAEID })
	return out
}
