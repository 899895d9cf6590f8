package exec

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-set/v3"

	"github.com/grailbio/base/log"
)

// submit implements §4.1's submit(ds): insert into the graph, record
// the reverse dependency, and for a ComputedData either mark it
// pending (its input is still computing) or runnable immediately.
// Safe to call concurrently with the dispatch loop: all graph state is
// guarded by s.mu, so Submit need not be funneled through Run's select.
func (s *Scheduler) submit(ds *Dataset) error {
	s.mu.Lock()
	if _, exists := s.datasets[ds.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("exec: dataset %q already submitted", ds.ID)
	}
	if ds.InputID != "" {
		input, ok := s.datasets[ds.InputID]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("exec: dataset %q references unknown input %q", ds.ID, ds.InputID)
		}
		// Open Question decision #3: a Reduce/ReduceMap's task count must
		// equal its input's split count (task i shuffles column i). Map
		// does not carry this restriction since it reads each column once
		// per source row without a shuffle.
		if (ds.Op == OpReduce || ds.Op == OpReduceMap) && ds.NTasks != input.Splits {
			s.mu.Unlock()
			return fmt.Errorf("exec: dataset %q: ntasks %d != input %q splits %d", ds.ID, ds.NTasks, ds.InputID, input.Splits)
		}
	}
	s.datasets[ds.ID] = ds
	if ds.InputID != "" {
		dep, ok := s.dependents[ds.InputID]
		if !ok {
			dep = set.New[string](1)
			s.dependents[ds.InputID] = dep
		}
		dep.Insert(ds.ID)
	}

	isComputed := ds.Op != ""
	runnable := false
	if isComputed {
		s.computing.Insert(ds.ID)
		if s.computing.Contains(ds.InputID) {
			s.pending.Insert(ds.ID)
		} else {
			runnable = true
		}
	}
	if runnable {
		s.runnable.PushBack(ds.ID)
	}
	s.mu.Unlock()

	if !isComputed {
		// FileData/LocalData are done the instant they are submitted: the
		// caller already populated their bucket grid (URLs or in-memory
		// pairs) before handing it to the scheduler.
		s.emit(Message{Type: MsgDatasetComputed, DatasetID: ds.ID})
	}
	s.wakeup()
	return nil
}

// close implements §4.1's close(id): record the standing intent and
// attempt to honor it immediately.
func (s *Scheduler) close(id string) {
	s.mu.Lock()
	s.closeRequests.Insert(id)
	s.mu.Unlock()
	s.tryCloseAndRemove(id)
}

// onDatasetDone implements §4.2's "DatasetComputed" half of
// task_done: drop id from computing, attempt to close/remove it and
// its input, forward DatasetComputed to the driver, and wake any
// dependent waiting on id.
func (s *Scheduler) onDatasetDone(id string) {
	s.mu.Lock()
	s.computing.Remove(id)
	s.removeRunnableLocked(id)
	woken := s.wakeDependentsLocked(id)
	var inputID string
	if ds, ok := s.datasets[id]; ok {
		inputID = ds.InputID
	}
	s.mu.Unlock()

	s.tryCloseAndRemove(id)
	// id's input may have had a standing close request blocked on id
	// still computing (§4.1's try_close checks computing dependents);
	// id leaving computing is exactly the event that can unblock it, and
	// tryCloseAndRemove(id) only recurses to the input when id itself is
	// removed, which never happens unless id also has a close request.
	if inputID != "" {
		s.tryCloseAndRemove(inputID)
	}
	s.emit(Message{Type: MsgDatasetComputed, DatasetID: id})
	if len(woken) > 0 {
		s.wakeup()
	}
}

// wakeDependentsLocked implements §4.2's "wakeup of dependents": a
// pending dataset becomes runnable once its input (id) is no longer
// computing, but only while the input is still present in the graph
// (it may have been removed by an early close, per §4.1's removal
// propagation — a dependent must never start against a disappeared
// input). Called with s.mu held.
func (s *Scheduler) wakeDependentsLocked(id string) []string {
	var woken []string
	for depID := range s.pendingForInput(id) {
		if _, stillThere := s.datasets[id]; !stillThere {
			continue
		}
		s.pending.Remove(depID)
		s.runnable.PushBack(depID)
		woken = append(woken, depID)
	}
	return woken
}

// pendingForInput yields the ids in s.pending whose InputID is id.
func (s *Scheduler) pendingForInput(id string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, depID := range s.pending.Slice() {
		if ds := s.datasets[depID]; ds != nil && ds.InputID == id {
			out[depID] = struct{}{}
		}
	}
	return out
}

// tryCloseAndRemove implements §4.1's try_close/try_remove pair, plus
// the propagation rule: removing id re-evaluates its input, and so on
// up the chain. This terminates because the dependency graph is a DAG
// and each recursive step strictly shrinks the dependents set of the
// next id up.
func (s *Scheduler) tryCloseAndRemove(id string) {
	s.mu.Lock()
	ds, ok := s.datasets[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !s.closeRequests.Contains(id) {
		s.mu.Unlock()
		return
	}
	if !ds.Closed {
		if s.computing.Contains(id) {
			s.mu.Unlock()
			return
		}
		if dep, ok := s.dependents[id]; ok {
			for _, depID := range dep.Slice() {
				if s.computing.Contains(depID) {
					s.mu.Unlock()
					return
				}
			}
		}
		ds.Closed = true
	}

	dep := s.dependents[id]
	removable := ds.Closed && (dep == nil || dep.Empty())
	if !removable {
		s.mu.Unlock()
		return
	}

	parentID := ds.InputID
	s.deleteDatasetLocked(ds)
	delete(s.datasets, id)
	delete(s.dependents, id)
	delete(s.tasklists, id)
	s.closeRequests.Remove(id)
	if parentID != "" {
		if pdep, ok := s.dependents[parentID]; ok {
			pdep.Remove(id)
		}
	}
	s.mu.Unlock()

	if parentID != "" {
		s.tryCloseAndRemove(parentID)
	}
}

// deleteDatasetLocked drops a removed dataset's backing files, unless
// it is Permanent or the job was started with --keep-jobdir. Called
// with s.mu held.
func (s *Scheduler) deleteDatasetLocked(ds *Dataset) {
	if ds.Permanent || s.opts.KeepJobdir || ds.OutDir == "" {
		return
	}
	remove := s.opts.DeleteTree
	if remove == nil {
		remove = os.RemoveAll
	}
	if err := remove(ds.OutDir); err != nil {
		log.Error.Printf("exec: removing dataset %s directory %s: %v", ds.ID, ds.OutDir, err)
	}
}

// Dataset returns the current in-memory state of a dataset, for the
// Session layer to read final bucket URLs once done. It is nil if the
// dataset has already been removed.
func (s *Scheduler) Dataset(id string) *Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.datasets[id]
}

// Submit enqueues a driver-submitted dataset. It is the scheduler-side
// half of the driver -> scheduler pipe; Session.submit uses this
// directly rather than going through the Message channel so that
// submission errors (unknown input id) surface synchronously.
func (s *Scheduler) Submit(ds *Dataset) error {
	return s.submit(ds)
}

// Close requests closing a dataset, per §4.1's close(id).
func (s *Scheduler) Close(id string) {
	s.close(id)
}

// Out returns the scheduler -> driver message channel.
func (s *Scheduler) Out() <-chan Message { return s.out }
