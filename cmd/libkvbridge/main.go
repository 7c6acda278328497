// Command libkvbridge builds the C ABI of kvbridge:
//
//	go build -buildmode=c-shared -o libkvbridge.so ./cmd/libkvbridge
//
// Every call reports through a caller-owned kvb_status. A non-null message in
// it, and every buffer handed out, is malloc'ed and must be released with
// kvb_status_free and kvb_free. Objects are opaque uintptr_t handles; zero is
// never a valid handle. A database refuses to close while transactions,
// snapshots, iterators or sst writers made from it are still alive.
package main

/*
#include <stdbool.h>
#include <stddef.h>
#include <stdint.h>
#include <stdlib.h>

typedef struct kvb_status {
	uint8_t code;
	uint8_t subcode;
	uint8_t severity;
	char *message;
} kvb_status;

typedef int8_t (*kvb_cmp_fn)(const uint8_t *a, size_t a_len, const uint8_t *b, size_t b_len);
*/
import "C"

import (
	"unsafe"

	"github.com/eigerco/kvbridge/pkg/db"
	"github.com/eigerco/kvbridge/pkg/db/pebble"
	"github.com/eigerco/kvbridge/pkg/slice"
	"github.com/eigerco/kvbridge/pkg/status"
)

func main() {}

func writeStatus(err error, st *C.kvb_status) {
	if st == nil {
		return
	}
	var s status.Status
	status.Write(err, &s)
	st.code = C.uint8_t(s.Code)
	st.subcode = C.uint8_t(s.SubCode)
	st.severity = C.uint8_t(s.Severity)
	st.message = nil
	if s.Message != "" {
		st.message = C.CString(s.Message)
	}
}

func bytesArg(p *C.uint8_t, n C.size_t) []byte {
	return slice.Borrow(unsafe.Pointer(p), int(n))
}

func bytesOut(b []byte, out **C.uint8_t, outLen *C.size_t) {
	*out = (*C.uint8_t)(C.CBytes(b))
	*outLen = C.size_t(len(b))
}

//export kvb_log_init
func kvb_log_init(level *C.char, json C.bool, st *C.kvb_status) {
	writeStatus(initLogger(C.GoString(level), bool(json)), st)
}

//export kvb_open
func kvb_open(opts *C.char, optsLen C.size_t, useCmp C.bool, primary, secondary C.kvb_cmp_fn, st *C.kvb_status) C.uintptr_t {
	d, err := openDB(C.GoBytes(unsafe.Pointer(opts), C.int(optsLen)), bool(useCmp),
		uintptr(unsafe.Pointer(primary)), uintptr(unsafe.Pointer(secondary)))
	writeStatus(err, st)
	if err != nil {
		return 0
	}
	return C.uintptr_t(newHandle(d))
}

//export kvb_close
func kvb_close(h C.uintptr_t, st *C.kvb_status) {
	d, err := lookup[*pebble.DB](uintptr(h))
	if err == nil {
		err = d.Close()
	}
	writeStatus(err, st)
	if err == nil {
		release(uintptr(h))
	}
}

//export kvb_db_path
func kvb_db_path(h C.uintptr_t, st *C.kvb_status) *C.char {
	d, err := lookup[*pebble.DB](uintptr(h))
	writeStatus(err, st)
	if err != nil {
		return nil
	}
	return C.CString(d.Path())
}

//export kvb_cf_index
func kvb_cf_index(h C.uintptr_t, name *C.char, st *C.kvb_status) C.int {
	d, err := lookup[*pebble.DB](uintptr(h))
	if err != nil {
		writeStatus(err, st)
		return -1
	}
	cf, err := d.ColumnFamily(C.GoString(name))
	writeStatus(err, st)
	if err != nil {
		return -1
	}
	return C.int(cf)
}

//export kvb_transact
func kvb_transact(h C.uintptr_t, snapshot C.bool, st *C.kvb_status) C.uintptr_t {
	d, err := lookup[*pebble.DB](uintptr(h))
	if err != nil {
		writeStatus(err, st)
		return 0
	}
	tx, err := d.TransactWith(pebble.TxOptions{Snapshot: bool(snapshot)})
	writeStatus(err, st)
	if err != nil {
		return 0
	}
	return C.uintptr_t(newHandle(tx))
}

//export kvb_tx_get
func kvb_tx_get(h C.uintptr_t, cf C.int, key *C.uint8_t, keyLen C.size_t, val **C.uint8_t, valLen *C.size_t, st *C.kvb_status) {
	tx, err := lookup[*pebble.Transaction](uintptr(h))
	if err != nil {
		writeStatus(err, st)
		return
	}
	v, err := tx.Get(int(cf), bytesArg(key, keyLen))
	writeStatus(err, st)
	if err == nil {
		bytesOut(v, val, valLen)
	}
}

//export kvb_tx_get_for_update
func kvb_tx_get_for_update(h C.uintptr_t, cf C.int, key *C.uint8_t, keyLen C.size_t, val **C.uint8_t, valLen *C.size_t, st *C.kvb_status) {
	tx, err := lookup[*pebble.Transaction](uintptr(h))
	if err != nil {
		writeStatus(err, st)
		return
	}
	v, err := tx.GetForUpdate(int(cf), bytesArg(key, keyLen))
	writeStatus(err, st)
	if err == nil {
		bytesOut(v, val, valLen)
	}
}

//export kvb_tx_put
func kvb_tx_put(h C.uintptr_t, cf C.int, key *C.uint8_t, keyLen C.size_t, val *C.uint8_t, valLen C.size_t, st *C.kvb_status) {
	tx, err := lookup[*pebble.Transaction](uintptr(h))
	if err == nil {
		err = tx.Put(int(cf), bytesArg(key, keyLen), bytesArg(val, valLen))
	}
	writeStatus(err, st)
}

//export kvb_tx_delete
func kvb_tx_delete(h C.uintptr_t, cf C.int, key *C.uint8_t, keyLen C.size_t, st *C.kvb_status) {
	tx, err := lookup[*pebble.Transaction](uintptr(h))
	if err == nil {
		err = tx.Delete(int(cf), bytesArg(key, keyLen))
	}
	writeStatus(err, st)
}

//export kvb_tx_commit
func kvb_tx_commit(h C.uintptr_t, st *C.kvb_status) {
	tx, err := lookup[*pebble.Transaction](uintptr(h))
	if err == nil {
		err = tx.Commit()
	}
	writeStatus(err, st)
}

//export kvb_tx_rollback
func kvb_tx_rollback(h C.uintptr_t, st *C.kvb_status) {
	tx, err := lookup[*pebble.Transaction](uintptr(h))
	if err == nil {
		err = tx.Rollback()
	}
	writeStatus(err, st)
}

//export kvb_tx_set_savepoint
func kvb_tx_set_savepoint(h C.uintptr_t, st *C.kvb_status) {
	tx, err := lookup[*pebble.Transaction](uintptr(h))
	if err == nil {
		err = tx.SetSavePoint()
	}
	writeStatus(err, st)
}

//export kvb_tx_rollback_to_savepoint
func kvb_tx_rollback_to_savepoint(h C.uintptr_t, st *C.kvb_status) {
	tx, err := lookup[*pebble.Transaction](uintptr(h))
	if err == nil {
		err = tx.RollbackToSavePoint()
	}
	writeStatus(err, st)
}

//export kvb_tx_pop_savepoint
func kvb_tx_pop_savepoint(h C.uintptr_t, st *C.kvb_status) {
	tx, err := lookup[*pebble.Transaction](uintptr(h))
	if err == nil {
		err = tx.PopSavePoint()
	}
	writeStatus(err, st)
}

// kvb_tx_destroy rolls back a transaction that was not committed and
// releases its handle.
//
//export kvb_tx_destroy
func kvb_tx_destroy(h C.uintptr_t, st *C.kvb_status) {
	tx, err := lookup[*pebble.Transaction](uintptr(h))
	if err == nil {
		err = tx.Close()
		release(uintptr(h))
	}
	writeStatus(err, st)
}

//export kvb_snapshot
func kvb_snapshot(h C.uintptr_t, st *C.kvb_status) C.uintptr_t {
	d, err := lookup[*pebble.DB](uintptr(h))
	if err != nil {
		writeStatus(err, st)
		return 0
	}
	s, err := d.Snapshot()
	writeStatus(err, st)
	if err != nil {
		return 0
	}
	return C.uintptr_t(newHandle(s))
}

//export kvb_snapshot_get
func kvb_snapshot_get(h C.uintptr_t, cf C.int, key *C.uint8_t, keyLen C.size_t, val **C.uint8_t, valLen *C.size_t, st *C.kvb_status) {
	s, err := lookup[*pebble.Snapshot](uintptr(h))
	if err != nil {
		writeStatus(err, st)
		return
	}
	v, err := s.Get(int(cf), bytesArg(key, keyLen))
	writeStatus(err, st)
	if err == nil {
		bytesOut(v, val, valLen)
	}
}

//export kvb_snapshot_release
func kvb_snapshot_release(h C.uintptr_t, st *C.kvb_status) {
	s, err := lookup[*pebble.Snapshot](uintptr(h))
	if err == nil {
		err = s.Close()
		release(uintptr(h))
	}
	writeStatus(err, st)
}

func iteratorOut(h uintptr, err error, st *C.kvb_status) C.uintptr_t {
	writeStatus(err, st)
	if err != nil {
		return 0
	}
	return C.uintptr_t(h)
}

//export kvb_db_iterator
func kvb_db_iterator(h C.uintptr_t, cf C.int, lower *C.uint8_t, lowerLen C.size_t, upper *C.uint8_t, upperLen C.size_t, st *C.kvb_status) C.uintptr_t {
	ih, err := openIterator[*pebble.DB](uintptr(h), int(cf), bytesArg(lower, lowerLen), bytesArg(upper, upperLen))
	return iteratorOut(ih, err, st)
}

//export kvb_tx_iterator
func kvb_tx_iterator(h C.uintptr_t, cf C.int, lower *C.uint8_t, lowerLen C.size_t, upper *C.uint8_t, upperLen C.size_t, st *C.kvb_status) C.uintptr_t {
	ih, err := openIterator[*pebble.Transaction](uintptr(h), int(cf), bytesArg(lower, lowerLen), bytesArg(upper, upperLen))
	return iteratorOut(ih, err, st)
}

//export kvb_snapshot_iterator
func kvb_snapshot_iterator(h C.uintptr_t, cf C.int, lower *C.uint8_t, lowerLen C.size_t, upper *C.uint8_t, upperLen C.size_t, st *C.kvb_status) C.uintptr_t {
	ih, err := openIterator[*pebble.Snapshot](uintptr(h), int(cf), bytesArg(lower, lowerLen), bytesArg(upper, upperLen))
	return iteratorOut(ih, err, st)
}

//export kvb_iter_first
func kvb_iter_first(h C.uintptr_t, st *C.kvb_status) C.bool {
	ok, err := step(uintptr(h), db.Iterator.First)
	writeStatus(err, st)
	return C.bool(ok)
}

//export kvb_iter_seek
func kvb_iter_seek(h C.uintptr_t, key *C.uint8_t, keyLen C.size_t, st *C.kvb_status) C.bool {
	k := bytesArg(key, keyLen)
	ok, err := step(uintptr(h), func(it db.Iterator) bool { return it.SeekGE(k) })
	writeStatus(err, st)
	return C.bool(ok)
}

// kvb_iter_next moves to the first entry on an iterator that was never
// positioned, so a plain loop over it visits everything.
//
//export kvb_iter_next
func kvb_iter_next(h C.uintptr_t, st *C.kvb_status) C.bool {
	ok, err := step(uintptr(h), db.Iterator.Next)
	writeStatus(err, st)
	return C.bool(ok)
}

//export kvb_iter_key
func kvb_iter_key(h C.uintptr_t, key **C.uint8_t, keyLen *C.size_t, st *C.kvb_status) {
	k, err := iterKey(uintptr(h))
	writeStatus(err, st)
	if err == nil {
		bytesOut(k, key, keyLen)
	}
}

//export kvb_iter_value
func kvb_iter_value(h C.uintptr_t, val **C.uint8_t, valLen *C.size_t, st *C.kvb_status) {
	v, err := iterValue(uintptr(h))
	writeStatus(err, st)
	if err == nil {
		bytesOut(v, val, valLen)
	}
}

//export kvb_iter_destroy
func kvb_iter_destroy(h C.uintptr_t, st *C.kvb_status) {
	writeStatus(closeIterator(uintptr(h)), st)
}

//export kvb_get_sst_writer
func kvb_get_sst_writer(h C.uintptr_t, path *C.char, cf C.int, st *C.kvb_status) C.uintptr_t {
	d, err := lookup[*pebble.DB](uintptr(h))
	if err != nil {
		writeStatus(err, st)
		return 0
	}
	w, err := d.GetSstWriter(int(cf), C.GoString(path))
	writeStatus(err, st)
	if err != nil {
		return 0
	}
	return C.uintptr_t(newHandle(w))
}

//export kvb_sst_put
func kvb_sst_put(h C.uintptr_t, key *C.uint8_t, keyLen C.size_t, val *C.uint8_t, valLen C.size_t, st *C.kvb_status) {
	w, err := lookup[*pebble.SstWriter](uintptr(h))
	if err == nil {
		err = w.Put(bytesArg(key, keyLen), bytesArg(val, valLen))
	}
	writeStatus(err, st)
}

//export kvb_sst_delete
func kvb_sst_delete(h C.uintptr_t, key *C.uint8_t, keyLen C.size_t, st *C.kvb_status) {
	w, err := lookup[*pebble.SstWriter](uintptr(h))
	if err == nil {
		err = w.Delete(bytesArg(key, keyLen))
	}
	writeStatus(err, st)
}

//export kvb_sst_finish
func kvb_sst_finish(h C.uintptr_t, entries *C.uint64_t, st *C.kvb_status) {
	w, err := lookup[*pebble.SstWriter](uintptr(h))
	if err != nil {
		writeStatus(err, st)
		return
	}
	info, err := w.Finish()
	writeStatus(err, st)
	if err == nil && entries != nil {
		*entries = C.uint64_t(info.Entries)
	}
}

// kvb_sst_destroy discards an unfinished writer together with its partial
// file and releases the handle. A finished file is left in place.
//
//export kvb_sst_destroy
func kvb_sst_destroy(h C.uintptr_t, st *C.kvb_status) {
	w, err := lookup[*pebble.SstWriter](uintptr(h))
	if err == nil {
		err = w.Abandon()
		release(uintptr(h))
	}
	writeStatus(err, st)
}

//export kvb_ingest_sst
func kvb_ingest_sst(h C.uintptr_t, path *C.char, cf C.int, st *C.kvb_status) {
	d, err := lookup[*pebble.DB](uintptr(h))
	if err == nil {
		err = d.IngestSst(int(cf), C.GoString(path))
	}
	writeStatus(err, st)
}

//export kvb_del_range
func kvb_del_range(h C.uintptr_t, start *C.uint8_t, startLen C.size_t, end *C.uint8_t, endLen C.size_t, cf C.int, st *C.kvb_status) {
	d, err := lookup[*pebble.DB](uintptr(h))
	if err == nil {
		err = d.DeleteRange(int(cf), bytesArg(start, startLen), bytesArg(end, endLen))
	}
	writeStatus(err, st)
}

//export kvb_compact_range
func kvb_compact_range(h C.uintptr_t, start *C.uint8_t, startLen C.size_t, end *C.uint8_t, endLen C.size_t, cf C.int, st *C.kvb_status) {
	d, err := lookup[*pebble.DB](uintptr(h))
	if err == nil {
		err = d.CompactRange(int(cf), bytesArg(start, startLen), bytesArg(end, endLen))
	}
	writeStatus(err, st)
}

//export kvb_status_free
func kvb_status_free(st *C.kvb_status) {
	if st == nil || st.message == nil {
		return
	}
	C.free(unsafe.Pointer(st.message))
	st.message = nil
}

//export kvb_free
func kvb_free(p unsafe.Pointer) {
	C.free(p)
}
