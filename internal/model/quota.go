package model

import "time"

// UserTier gates which limit table applies to a principal's quota.
type UserTier string

const (
	TierDefault    UserTier = "default"
	TierPremium    UserTier = "premium"
	TierEnterprise UserTier = "enterprise"
	TierAdmin      UserTier = "admin"
)

// ResourceKind is one dimension of a user's quota account.
type ResourceKind string

const (
	ResourceGPUMinutes        ResourceKind = "gpu_minutes"
	ResourceStorageGB         ResourceKind = "storage_gb"
	ResourceConcurrentJobs    ResourceKind = "concurrent_jobs"
	ResourceConcurrentBatches ResourceKind = "concurrent_batches"
	ResourceMonthlyJobs       ResourceKind = "monthly_jobs"
	ResourcePriorityAccess    ResourceKind = "priority_access"
)

// AllResourceKinds enumerates every quota dimension, in the fixed
// order used for deterministic iteration (violation lists, JSON
// encoding of the tier table).
var AllResourceKinds = []ResourceKind{
	ResourceGPUMinutes,
	ResourceStorageGB,
	ResourceConcurrentJobs,
	ResourceConcurrentBatches,
	ResourceMonthlyJobs,
	ResourcePriorityAccess,
}

// QuotaResource is one resource kind's current account state.
type QuotaResource struct {
	Limit           float64   `json:"limit"`
	Used            float64   `json:"used"`
	ResetPeriodDays int       `json:"reset_period_days"`
	LastResetAt     time.Time `json:"last_reset_at"`
	SoftLimitPct    float64   `json:"soft_limit_pct"`
}

// ShouldReset reports whether this resource's cumulative counter is
// due for a periodic reset. A ResetPeriodDays of zero means the
// resource never resets (e.g. concurrency counters).
func (r *QuotaResource) ShouldReset(now time.Time) bool {
	if r.ResetPeriodDays == 0 {
		return false
	}
	return now.Sub(r.LastResetAt) >= time.Duration(r.ResetPeriodDays)*24*time.Hour
}

// CrossesSoftLimit reports whether adding delta to Used would cross
// the soft-limit threshold without yet exceeding Limit.
func (r *QuotaResource) CrossesSoftLimit(delta float64) bool {
	if r.Limit <= 0 || r.SoftLimitPct <= 0 {
		return false
	}
	projected := r.Used + delta
	return projected >= r.Limit*r.SoftLimitPct && projected <= r.Limit
}

// UserQuota is a principal's full resource account.
type UserQuota struct {
	UserID    string                          `json:"user_id"`
	Tier      UserTier                        `json:"tier"`
	Resources map[ResourceKind]*QuotaResource `json:"resources"`
	UpdatedAt time.Time                       `json:"updated_at"`
}

// ResourceEstimate is the per-submission projection of resource
// consumption, computed from the task_type cost table (the model name
// does not affect it) and inflated by the configured safety margins
// before admission.
type ResourceEstimate struct {
	GPUMinutes      float64 `json:"gpu_minutes"`
	StorageGB       float64 `json:"storage_gb"`
	ConcurrentJobs  int     `json:"concurrent_jobs"`
	ConcurrentBatches int   `json:"concurrent_batches"`
	Units           int     `json:"units"`
}

// Violation reports a single resource that would deny admission.
type Violation struct {
	Resource        ResourceKind `json:"resource"`
	Required        float64      `json:"required"`
	Available       float64      `json:"available"`
	ResetsInSeconds int64        `json:"resets_in_seconds,omitempty"`
}

// Warning reports a resource crossing its soft limit without denying
// admission.
type Warning struct {
	Resource ResourceKind `json:"resource"`
	Message  string       `json:"message"`
}

// Availability is the verdict of a quota admission check.
type Availability struct {
	Allowed    bool         `json:"allowed"`
	Violations []Violation  `json:"violations,omitempty"`
	Warnings   []Warning    `json:"warnings,omitempty"`
	Snapshot   *UserQuota   `json:"snapshot,omitempty"`
}

// tierLimit is one resource row of the fixed per-tier limit table.
type tierLimit struct {
	Limit           float64
	ResetPeriodDays int
	SoftLimitPct    float64
}

// tierTable is the constant configuration mapping user tier to
// per-resource limits. It is looked up per call, never mutated.
var tierTable = map[UserTier]map[ResourceKind]tierLimit{
	TierDefault: {
		ResourceGPUMinutes:        {600, 30, 0.8},
		ResourceStorageGB:         {10, 30, 0.8},
		ResourceConcurrentJobs:    {2, 0, 0},
		ResourceConcurrentBatches: {1, 0, 0},
		ResourceMonthlyJobs:       {200, 30, 0.8},
		ResourcePriorityAccess:    {0, 0, 0},
	},
	TierPremium: {
		ResourceGPUMinutes:        {3000, 30, 0.85},
		ResourceStorageGB:         {100, 30, 0.85},
		ResourceConcurrentJobs:    {8, 0, 0},
		ResourceConcurrentBatches: {4, 0, 0},
		ResourceMonthlyJobs:       {2000, 30, 0.85},
		ResourcePriorityAccess:    {1, 0, 0},
	},
	TierEnterprise: {
		ResourceGPUMinutes:        {20000, 30, 0.9},
		ResourceStorageGB:         {1000, 30, 0.9},
		ResourceConcurrentJobs:    {32, 0, 0},
		ResourceConcurrentBatches: {16, 0, 0},
		ResourceMonthlyJobs:       {20000, 30, 0.9},
		ResourcePriorityAccess:    {1, 0, 0},
	},
	TierAdmin: {
		ResourceGPUMinutes:        {1000000, 0, 0.99},
		ResourceStorageGB:         {100000, 0, 0.99},
		ResourceConcurrentJobs:    {256, 0, 0},
		ResourceConcurrentBatches: {128, 0, 0},
		ResourceMonthlyJobs:       {1000000, 0, 0.99},
		ResourcePriorityAccess:    {1, 0, 0},
	},
}

// NewUserQuota builds a fresh quota account for tier at now, with
// every resource's Used at zero and LastResetAt set to now.
func NewUserQuota(userID string, tier UserTier, now time.Time) *UserQuota {
	table, ok := tierTable[tier]
	if !ok {
		table = tierTable[TierDefault]
	}
	resources := make(map[ResourceKind]*QuotaResource, len(AllResourceKinds))
	for _, kind := range AllResourceKinds {
		row := table[kind]
		resources[kind] = &QuotaResource{
			Limit:           row.Limit,
			ResetPeriodDays: row.ResetPeriodDays,
			LastResetAt:     now,
			SoftLimitPct:    row.SoftLimitPct,
		}
	}
	return &UserQuota{UserID: userID, Tier: tier, Resources: resources, UpdatedAt: now}
}

// GPUMinutesMargin and StorageMargin are the safety multipliers
// applied to raw cost-table figures before admission, per §4.4.
const (
	GPUMinutesMargin = 1.2
	StorageMargin    = 1.5
)

// unitCost is one task_type entry in the resource cost table: per-unit
// GPU minutes and storage, before safety margins. The table has no
// per-model entries.
type unitCost struct {
	GPUMinutesPerUnit float64
	StorageMBPerUnit  float64
}

// defaultUnitCost is used for any task_type not present in costTable,
// so estimation never hard-fails on an unrecognized task_type (schema
// validation is the gate for that).
var defaultUnitCost = unitCost{GPUMinutesPerUnit: 5, StorageMBPerUnit: 20}

var costTable = map[string]unitCost{
	"protein_ligand_binding":          {GPUMinutesPerUnit: 3, StorageMBPerUnit: 15},
	"batch_protein_ligand_screening":  {GPUMinutesPerUnit: 2.5, StorageMBPerUnit: 12},
	"nanobody_design":                 {GPUMinutesPerUnit: 8, StorageMBPerUnit: 30},
}

// EstimateResources projects resource consumption for a submission of
// `units` complexes under `taskType`, inflated by the configured
// safety margins.
func EstimateResources(taskType string, units int) ResourceEstimate {
	cost, ok := costTable[taskType]
	if !ok {
		cost = defaultUnitCost
	}
	gpuMinutes := cost.GPUMinutesPerUnit * float64(units) * GPUMinutesMargin
	storageGB := (cost.StorageMBPerUnit * float64(units) / 1024) * StorageMargin
	concurrentBatches := 0
	if units > 1 {
		concurrentBatches = 1
	}
	return ResourceEstimate{
		GPUMinutes:        gpuMinutes,
		StorageGB:         storageGB,
		ConcurrentJobs:    units,
		ConcurrentBatches: concurrentBatches,
		Units:             units,
	}
}
