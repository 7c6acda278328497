package pebble

import (
	"github.com/cockroachdb/pebble"
	"github.com/eigerco/kvbridge/pkg/log"
)

// eventListener routes engine background events to the engine logger and the
// database's metric set. Ingested bytes are counted by IngestSst.
func (d *DB) eventListener() *pebble.EventListener {
	return &pebble.EventListener{
		BackgroundError: func(err error) {
			d.metrics.inc(metricBgErrors)
			log.Engine.Error().Err(err).Str("path", d.path).Msg("background error")
		},
		FlushEnd: func(info pebble.FlushInfo) {
			if info.Err != nil {
				log.Engine.Warn().Err(info.Err).Int("job", info.JobID).Msg("flush failed")
				return
			}
			d.metrics.inc(metricFlushes)
			log.Engine.Debug().Int("job", info.JobID).Dur("took", info.TotalDuration).Msg("flushed")
		},
		CompactionEnd: func(info pebble.CompactionInfo) {
			if info.Err != nil {
				log.Engine.Warn().Err(info.Err).Int("job", info.JobID).Msg("compaction failed")
				return
			}
			d.metrics.inc(metricCompactions)
			log.Engine.Debug().Int("job", info.JobID).Str("reason", info.Reason).
				Dur("took", info.TotalDuration).Msg("compacted")
		},
		TableIngested: func(info pebble.TableIngestInfo) {
			if info.Err != nil {
				log.Engine.Warn().Err(info.Err).Int("job", info.JobID).Msg("ingestion failed")
				return
			}
			log.Engine.Debug().Int("job", info.JobID).Int("tables", len(info.Tables)).Msg("ingested")
		},
		WriteStallBegin: func(info pebble.WriteStallBeginInfo) {
			d.metrics.inc(metricWriteStalls)
			log.Engine.Warn().Str("reason", info.Reason).Msg("write stall")
		},
		WriteStallEnd: func() {
			log.Engine.Info().Msg("write stall ended")
		},
	}
}
