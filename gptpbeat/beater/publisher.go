package beater

import (
	"time"

	"github.com/elastic/beats/v7/libbeat/beat"
	"github.com/elastic/beats/v7/libbeat/common"
	"github.com/shiwa/timecard-mini/gptpsync/pkg/gptpsync"
)

// publisher переводит события демона в события Beat.
type publisher struct {
	client beat.Client
	now    func() time.Time
}

func newPublisher(c beat.Client) *publisher {
	return &publisher{client: c, now: time.Now}
}

func (p *publisher) publish(kind string, fields common.MapStr) {
	fields["type"] = kind
	p.client.Publish(beat.Event{Timestamp: p.now(), Fields: fields})
}

// Report публикует переход диагностического события.
func (p *publisher) Report(link string, ev gptpsync.DiagEvent, failed bool) {
	p.publish("diag", common.MapStr{
		"link":   link,
		"event":  ev.String(),
		"failed": failed,
	})
}

// RecordSync публикует запись валидации пары Sync/Follow_Up.
func (p *publisher) RecordSync(r gptpsync.SyncRecord) {
	p.publish("sync", common.MapStr{
		"link":          r.Link,
		"domain":        r.Domain,
		"master":        r.Master,
		"sequence_id":   r.SequenceID,
		"pot":           r.POT.String(),
		"correction":    r.Correction.String(),
		"local":         r.Local.String(),
		"path_delay_ns": r.PathDelay,
		"global_after":  r.GlobalAfter.String(),
	})
}

// RecordPdelay публикует одно измерение задержки.
func (p *publisher) RecordPdelay(r gptpsync.PdelayRecord) {
	p.publish("pdelay", common.MapStr{
		"link":        r.Link,
		"port":        r.Port,
		"responder":   r.Responder,
		"sequence_id": r.SequenceID,
		"delay_ns":    r.Delay,
		"filtered_ns": r.Filtered,
	})
}

// Status публикует снимок состояния каналов пачкой.
func (p *publisher) Status(sts []gptpsync.LinkStatus) {
	if len(sts) == 0 {
		return
	}
	now := p.now()
	events := make([]beat.Event, 0, len(sts))
	for _, st := range sts {
		fields := common.MapStr{
			"type":          "status",
			"link":          st.Name,
			"role":          st.Role.String(),
			"up":            st.Up,
			"state":         st.State.String(),
			"synced":        st.Synced,
			"sync_failures": st.SyncFailures,
			"pdelay_aborts": st.PdelayAborts,
		}
		if st.PathDelayValid {
			fields["path_delay_ns"] = st.PathDelay
		}
		if len(st.Ports) > 0 {
			ports := make([]common.MapStr, 0, len(st.Ports))
			for _, ps := range st.Ports {
				pm := common.MapStr{"name": ps.Name, "state": ps.State.String()}
				if ps.PathDelayValid {
					pm["path_delay_ns"] = ps.PathDelay
				}
				ports = append(ports, pm)
			}
			fields["ports"] = ports
		}
		events = append(events, beat.Event{Timestamp: now, Fields: fields})
	}
	p.client.PublishAll(events)
}
