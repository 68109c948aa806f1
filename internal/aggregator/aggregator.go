// Package aggregator maintains batch progress on the parent job and
// produces the consolidated batch artifacts once every child has
// reached a terminal state.
package aggregator

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/omtx-labs/gpu-orchestrator/internal/jobstore"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/omtx-labs/gpu-orchestrator/internal/obs"
	"github.com/omtx-labs/gpu-orchestrator/internal/quota"
	"github.com/omtx-labs/gpu-orchestrator/internal/storagegw"
	"go.uber.org/zap"
)

// Aggregator is the Batch Aggregator component (§4.8).
type Aggregator struct {
	store  jobstore.Store
	gw     storagegw.Gateway
	ledger quota.Ledger
	log    *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds an Aggregator over a Job Store, Storage Gateway, and
// Quota Ledger. The ledger is only touched once a batch parent
// reaches its terminal status, to release the one combined
// reservation the Submission API made under the parent's own job id
// at batch-admission time (§4.1 step 6; individual children carry no
// reservation of their own for a batch submission).
func New(store jobstore.Store, gw storagegw.Gateway, ledger quota.Ledger, log *zap.Logger) *Aggregator {
	return &Aggregator{store: store, gw: gw, ledger: ledger, log: log, locks: make(map[string]*sync.Mutex)}
}

func (a *Aggregator) releaseBatchReservation(ctx context.Context, parent *model.JobRecord) {
	if err := a.ledger.Release(ctx, parent.UserID, parent.ID, nil); err != nil {
		a.log.Warn("failed to release batch-level quota reservation",
			obs.String("batch_id", parent.ID), obs.Err(err))
	}
}

// lockFor serializes every OnChildTerminal/CreateBatchAggregationAtomic
// call for a given parent, so concurrent webhook deliveries for
// siblings never race on the same parent's counters.
func (a *Aggregator) lockFor(parentID string) *sync.Mutex {
	a.locksMu.Lock()
	defer a.locksMu.Unlock()
	l, ok := a.locks[parentID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[parentID] = l
	}
	return l
}

// OnChildTerminal records one child's terminal outcome on its parent's
// BatchProgress and, once every child has settled, transitions the
// parent to its final status and triggers aggregation.
func (a *Aggregator) OnChildTerminal(ctx context.Context, parentID, childID string, success bool) error {
	lock := a.lockFor(parentID)
	lock.Lock()
	defer lock.Unlock()

	var done bool
	parent, err := a.store.Update(ctx, parentID, func(rec *model.JobRecord) error {
		if rec.BatchProgress == nil {
			return model.NewError(model.KindInternal, "batch parent missing progress counters").WithJob(parentID)
		}
		if success {
			rec.BatchProgress.Completed++
		} else {
			rec.BatchProgress.Failed++
		}
		rec.BatchProgress.UpdatedAt = time.Now()
		rec.BatchProgress.Recompute()

		if rec.BatchProgress.Done() {
			rec.Status = rec.BatchProgress.TerminalStatus()
			done = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !done {
		return nil
	}
	a.log.Info("batch reached terminal state, running aggregation",
		obs.String("batch_id", parentID), obs.String("status", string(parent.Status)))
	a.releaseBatchReservation(ctx, parent)
	return a.createBatchAggregationAtomicLocked(ctx, parentID)
}

// RepairParent is the Reconciler's entry point for a batch parent
// whose child counters already add up to Total but whose own status
// never advanced past running — a webhook delivery that updated the
// last child's counters but crashed before the aggregator ran. Only
// transitions and aggregates; a parent that is not actually Done() is
// left untouched.
func (a *Aggregator) RepairParent(ctx context.Context, parentID string) error {
	lock := a.lockFor(parentID)
	lock.Lock()
	defer lock.Unlock()

	var done bool
	parent, err := a.store.Update(ctx, parentID, func(rec *model.JobRecord) error {
		if rec.BatchProgress == nil || rec.Status.IsTerminal() {
			return nil
		}
		if rec.BatchProgress.Done() {
			rec.Status = rec.BatchProgress.TerminalStatus()
			done = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	a.log.Info("reconciler repaired stalled batch parent", obs.String("batch_id", parentID))
	a.releaseBatchReservation(ctx, parent)
	return a.createBatchAggregationAtomicLocked(ctx, parentID)
}

// CreateBatchAggregationAtomic recomputes and rewrites the batch's
// three summary artifacts. Idempotent: re-running replaces them.
func (a *Aggregator) CreateBatchAggregationAtomic(ctx context.Context, batchID string) error {
	lock := a.lockFor(batchID)
	lock.Lock()
	defer lock.Unlock()
	return a.createBatchAggregationAtomicLocked(ctx, batchID)
}

func (a *Aggregator) createBatchAggregationAtomicLocked(ctx context.Context, batchID string) error {
	ctx, span := obs.StartAggregationSpan(ctx, batchID)
	defer span.End()

	parent, err := a.store.Get(ctx, batchID)
	if err != nil {
		obs.RecordError(ctx, err)
		return err
	}
	children, err := a.store.GetBatchChildren(ctx, batchID)
	if err != nil {
		obs.RecordError(ctx, err)
		return err
	}

	results := make([]model.ChildResult, 0, len(children))
	for _, child := range children {
		if child.Status != model.StatusCompleted {
			continue
		}
		result, err := a.readChildResult(ctx, child)
		if err != nil {
			a.log.Warn("failed to read child result during aggregation",
				obs.String("batch_id", batchID), obs.String("job_id", child.ID), obs.Err(err))
			continue
		}
		results = append(results, result)
	}

	summary := summarize(parent, children, results)
	aggregation := model.BatchAggregation{BatchID: batchID, Results: results, Summary: summary}

	aggregatedJSON, err := json.MarshalIndent(aggregation, "", "  ")
	if err != nil {
		return err
	}
	summaryJSON, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	csvBytes, err := toCSV(results)
	if err != nil {
		return err
	}

	prefix := "users/" + parent.UserID + "/batches/" + batchID + "/results"
	files := []storagegw.File{
		{Path: "aggregated.json", Data: aggregatedJSON, ContentType: "application/json"},
		{Path: "summary.json", Data: summaryJSON, ContentType: "application/json"},
		{Path: "batch_results.csv", Data: csvBytes, ContentType: "text/csv"},
	}

	if err := a.gw.CreateBatchAggregationAtomic(ctx, prefix, files); err != nil {
		obs.RecordError(ctx, err)
		return err
	}
	obs.AggregationsRun.Inc()
	obs.SetSpanSuccess(ctx)
	return nil
}

// workerResult is the shape the GPU worker writes to results.json;
// narrower than model.ChildResult since the worker doesn't know its
// own job_id/ligand_name/protein_name bookkeeping.
type workerResult struct {
	Affinity      float64 `json:"affinity"`
	Confidence    float64 `json:"confidence"`
	PTMScore      float64 `json:"ptm_score"`
	IPTMScore     float64 `json:"iptm_score"`
	PLDDTScore    float64 `json:"plddt_score"`
	ExecutionTime float64 `json:"execution_time"`
	HasStructure  bool    `json:"has_structure"`
}

// inputMeta is the subset of a child's opaque input_data the
// aggregator reads for display purposes only.
type inputMeta struct {
	LigandName  string `json:"ligand_name"`
	ProteinName string `json:"protein_name"`
}

func (a *Aggregator) readChildResult(ctx context.Context, child *model.JobRecord) (model.ChildResult, error) {
	raw, err := a.gw.Download(ctx, child.CanonicalPrefix()+"/results.json")
	if err != nil {
		return model.ChildResult{}, err
	}
	var wr workerResult
	if err := json.Unmarshal(raw, &wr); err != nil {
		return model.ChildResult{}, err
	}

	var meta inputMeta
	_ = json.Unmarshal(child.InputData, &meta)

	return model.ChildResult{
		JobID:         child.ID,
		LigandName:    meta.LigandName,
		ProteinName:   meta.ProteinName,
		Affinity:      wr.Affinity,
		Confidence:    wr.Confidence,
		PTMScore:      wr.PTMScore,
		IPTMScore:     wr.IPTMScore,
		PLDDTScore:    wr.PLDDTScore,
		ExecutionTime: wr.ExecutionTime,
		HasStructure:  wr.HasStructure,
	}, nil
}

func summarize(parent *model.JobRecord, children []*model.JobRecord, results []model.ChildResult) model.BatchSummary {
	failed := 0
	for _, c := range children {
		if c.Status == model.StatusFailed {
			failed++
		}
	}

	affinities := make([]float64, 0, len(results))
	confidences := make([]float64, 0, len(results))
	plddts := make([]float64, 0, len(results))
	buckets := map[model.AffinityBucket]int{model.AffinityHigh: 0, model.AffinityMedium: 0, model.AffinityLow: 0}

	var best, worst string
	bestAffinity, worstAffinity := -1.0, 2.0
	for _, r := range results {
		affinities = append(affinities, r.Affinity)
		confidences = append(confidences, r.Confidence)
		plddts = append(plddts, r.PLDDTScore)
		buckets[model.BucketForAffinity(r.Affinity)]++
		if r.Affinity > bestAffinity {
			bestAffinity, best = r.Affinity, r.JobID
		}
		if r.Affinity < worstAffinity {
			worstAffinity, worst = r.Affinity, r.JobID
		}
	}

	structureQualityMean := 0.0
	if len(plddts) > 0 {
		sum := 0.0
		for _, v := range plddts {
			sum += v
		}
		structureQualityMean = sum / float64(len(plddts))
	}

	return model.BatchSummary{
		TotalJobs:            len(children),
		CompletedJobs:        len(results),
		FailedJobs:           failed,
		AffinityStats:        computeStats(affinities),
		ConfidenceStats:      computeStats(confidences),
		StructureQualityMean: structureQualityMean,
		BestPerformer:        best,
		WorstPerformer:       worst,
		AffinityBuckets:      buckets,
		AggregatedAt:         time.Now(),
	}
}

var csvHeader = []string{
	"job_id", "ligand_name", "protein_name", "affinity", "confidence",
	"ptm_score", "iptm_score", "plddt_score", "execution_time", "has_structure",
}

func toCSV(results []model.ChildResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, r := range results {
		row := []string{
			r.JobID, r.LigandName, r.ProteinName,
			fmt.Sprintf("%g", r.Affinity), fmt.Sprintf("%g", r.Confidence),
			fmt.Sprintf("%g", r.PTMScore), fmt.Sprintf("%g", r.IPTMScore), fmt.Sprintf("%g", r.PLDDTScore),
			fmt.Sprintf("%g", r.ExecutionTime), fmt.Sprintf("%t", r.HasStructure),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
