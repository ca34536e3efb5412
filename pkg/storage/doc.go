/*
Package storage provides the pluggable persistence layer for Availo.

# Collections

Four logical collections are kept, each keyed by a string id:

  - lounge_status: one StatusRecord per device id, overwritten per uplink
  - devices: one DeviceRecord per device id, changed only by merge
  - occupancy_history: one HistoryRecord per uplink, id {epoch_millis}_{device_id}
  - daily_analytics: one DailyAggregate per day and device, id {date}_{device_id}

# Backends

All backends implement the Storage interface:
  - memory: in-process maps for tests and ephemeral runs
  - badger: BadgerDB, the default for single-node deployments
  - postgres: JSONB documents in four tables, for shared deployments

# Atomicity

MergeDevice and UpdateDaily are read-modify-write operations and must not
lose concurrent updates. The memory backend holds a mutex, badger runs the
update in a serializable transaction and retries on conflict, and postgres
takes a transaction-scoped advisory lock on the document id before reading
it FOR UPDATE.

AppendHistory is insert-if-absent, so a redelivered uplink with the same
received_at never produces a second history record.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	agg, err := store.UpdateDaily(ctx, storage.DailyID("2025-07-31", "strathmore-sensor1"),
	    func(cur *storage.DailyAggregate) (storage.DailyAggregate, error) {
	        if cur == nil {
	            return seed, nil
	        }
	        return apply(*cur), nil
	    })
*/
package storage
