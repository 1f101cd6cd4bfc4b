package application

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"storelogic/internal/pkg/logger"
	"storelogic/internal/service/logic/domain"
	"storelogic/internal/service/logic/domain/port"
)

const (
	publishTimeout = 2 * time.Second
	// loadTimeout 是同一分组共享回源的时间上限
	loadTimeout = 5 * time.Second
)

// Dependencies 是 LogicScriptService 的依赖。Cache、Locker、Events、Generator 可以为 nil。
type Dependencies struct {
	Repo      domain.ScriptRepository
	Evaluator domain.Evaluator
	Validator port.ScriptValidator
	Cache     port.ScriptCache
	Locker    port.GroupLocker
	Events    port.EventPublisher
	Generator port.ScriptGenerator
	Tracer    trace.Tracer
	Metrics   *Metrics
	Reducer   domain.ReducerOptions
}

// LogicScriptService 定义了规则脚本服务提供的所有业务用例
type LogicScriptService struct {
	repo      domain.ScriptRepository
	evaluator domain.Evaluator
	validator port.ScriptValidator
	cache     port.ScriptCache
	locker    port.GroupLocker
	events    port.EventPublisher
	generator port.ScriptGenerator
	tracer    trace.Tracer
	metrics   *Metrics
	reducer   domain.ReducerOptions

	loads    singleflight.Group
	inflight sync.WaitGroup
	now      func() time.Time
}

// NewLogicScriptService 创建一个新的规则脚本服务实例
func NewLogicScriptService(deps Dependencies) *LogicScriptService {
	s := &LogicScriptService{
		repo:      deps.Repo,
		evaluator: deps.Evaluator,
		validator: deps.Validator,
		cache:     deps.Cache,
		locker:    deps.Locker,
		events:    deps.Events,
		generator: deps.Generator,
		tracer:    deps.Tracer,
		metrics:   deps.Metrics,
		reducer:   deps.Reducer,
		now:       time.Now,
	}
	if s.metrics != nil {
		s.evaluator = instrumentedEvaluator{next: deps.Evaluator, metrics: s.metrics}
	}
	return s
}

// Wait 等待所有异步发布的审计事件完成，用于优雅退出。
func (s *LogicScriptService) Wait() {
	s.inflight.Wait()
}

func requireTenant(distributorID string) (string, error) {
	id := strings.TrimSpace(distributorID)
	if id == "" {
		return "", domain.NewValidationError("distributor_id", "must not be empty")
	}
	return id, nil
}

func recordErr(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Create 创建脚本并追加到分组末尾
func (s *LogicScriptService) Create(ctx context.Context, req *CreateScriptRequest) (*ScriptResponse, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateScript")
	defer span.End()
	span.SetAttributes(
		attribute.String("distributor.id", req.DistributorID),
		attribute.String("logic.trigger_point", req.TriggerPoint),
	)

	script, err := domain.NewLogicScript(domain.NewScriptInput{
		DistributorID: req.DistributorID,
		TriggerPoint:  req.TriggerPoint,
		Description:   req.Description,
		ScriptContent: req.ScriptContent,
	}, s.now())
	if err != nil {
		recordErr(span, err)
		return nil, err
	}

	err = s.withGroupLock(ctx, script.Group(), func() error {
		return s.repo.Create(ctx, script)
	})
	s.observeMutation("create", err)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int64("logic.script_id", script.ID), attribute.Int("logic.sequence_order", script.SequenceOrder))
	logger.Ctx(ctx).Info().
		Int64("script_id", script.ID).
		Str("group", script.Group().String()).
		Int("sequence_order", script.SequenceOrder).
		Msg("Logic script created")

	s.afterChange(ctx, domain.ChangeCreated, script.Group(), script.ID)
	resp := toScriptResponse(script)
	return &resp, nil
}

// Get 返回租户下的一条脚本
func (s *LogicScriptService) Get(ctx context.Context, distributorID string, id int64) (*ScriptResponse, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetScript")
	defer span.End()

	tenant, err := requireTenant(distributorID)
	if err != nil {
		return nil, err
	}
	script, err := s.repo.Get(ctx, tenant, id)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	resp := toScriptResponse(script)
	return &resp, nil
}

// List 返回租户的全部脚本。trigger 非空时只返回该触发点。
// 存储层不保证顺序，这里按触发点、序号排序方便管理端展示。
func (s *LogicScriptService) List(ctx context.Context, distributorID, trigger string) ([]ScriptResponse, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListScripts")
	defer span.End()

	tenant, err := requireTenant(distributorID)
	if err != nil {
		return nil, err
	}
	var filter domain.TriggerPoint
	if trigger != "" {
		if filter, err = domain.ParseTriggerPoint(trigger); err != nil {
			return nil, err
		}
	}

	scripts, err := s.repo.List(ctx, tenant)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}
	if filter != "" {
		kept := scripts[:0]
		for _, sc := range scripts {
			if sc.TriggerPoint == filter {
				kept = append(kept, sc)
			}
		}
		scripts = kept
	}
	sort.SliceStable(scripts, func(i, j int) bool {
		ti, tj := triggerRank(scripts[i].TriggerPoint), triggerRank(scripts[j].TriggerPoint)
		if ti != tj {
			return ti < tj
		}
		return scripts[i].SequenceOrder < scripts[j].SequenceOrder
	})
	span.SetAttributes(attribute.Int("logic.script_count", len(scripts)))
	return toScriptResponses(scripts), nil
}

func triggerRank(t domain.TriggerPoint) int {
	for i, tp := range domain.AllTriggerPoints {
		if tp == t {
			return i
		}
	}
	return len(domain.AllTriggerPoints)
}

// Update 部分更新脚本 (启停、内容、描述)
func (s *LogicScriptService) Update(ctx context.Context, distributorID string, id int64, req *UpdateScriptRequest) (*ScriptResponse, error) {
	ctx, span := s.tracer.Start(ctx, "service.UpdateScript")
	defer span.End()
	span.SetAttributes(attribute.Int64("logic.script_id", id))

	tenant, err := requireTenant(distributorID)
	if err != nil {
		return nil, err
	}
	patch := domain.ScriptPatch{Active: req.Active, ScriptContent: req.ScriptContent, Description: req.Description}
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	script, err := s.repo.Update(ctx, tenant, id, patch)
	s.observeMutation("update", err)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}

	logger.Ctx(ctx).Info().Int64("script_id", id).Str("group", script.Group().String()).Bool("active", script.Active).Msg("Logic script updated")
	s.afterChange(ctx, domain.ChangeUpdated, script.Group(), script.ID)
	resp := toScriptResponse(script)
	return &resp, nil
}

// Delete 硬删除脚本，兄弟脚本的序号保持不变
func (s *LogicScriptService) Delete(ctx context.Context, distributorID string, id int64) error {
	ctx, span := s.tracer.Start(ctx, "service.DeleteScript")
	defer span.End()
	span.SetAttributes(attribute.Int64("logic.script_id", id))

	tenant, err := requireTenant(distributorID)
	if err != nil {
		return err
	}
	// 先读出分组，用于失效缓存
	script, err := s.repo.Get(ctx, tenant, id)
	if err == nil {
		err = s.repo.Delete(ctx, tenant, id)
	}
	s.observeMutation("delete", err)
	if err != nil {
		recordErr(span, err)
		return err
	}

	logger.Ctx(ctx).Info().Int64("script_id", id).Str("group", script.Group().String()).Msg("Logic script deleted")
	s.afterChange(ctx, domain.ChangeDeleted, script.Group(), id)
	return nil
}

// Reorder 按请求中的 sequence_order 重新排列整个分组
func (s *LogicScriptService) Reorder(ctx context.Context, req *ReorderRequest) ([]ScriptResponse, error) {
	ctx, span := s.tracer.Start(ctx, "service.ReorderScripts")
	defer span.End()

	tenant, err := requireTenant(req.DistributorID)
	if err != nil {
		return nil, err
	}
	orderedIDs, err := orderedIDsOf(req.Scripts)
	if err != nil {
		return nil, err
	}
	trigger, err := s.reorderTrigger(ctx, tenant, req.TriggerPoint, orderedIDs)
	if err != nil {
		return nil, err
	}
	group := domain.GroupKey{DistributorID: tenant, TriggerPoint: trigger}
	span.SetAttributes(attribute.String("logic.group", group.String()), attribute.Int("logic.script_count", len(orderedIDs)))

	var scripts []*domain.LogicScript
	err = s.withGroupLock(ctx, group, func() error {
		var rerr error
		scripts, rerr = s.repo.Reorder(ctx, group, orderedIDs)
		return rerr
	})
	s.observeMutation("reorder", err)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}

	logger.Ctx(ctx).Info().Str("group", group.String()).Ints64("order", orderedIDs).Msg("Logic scripts reordered")
	s.afterChange(ctx, domain.ChangeReordered, group, orderedIDs...)
	return toScriptResponses(scripts), nil
}

// orderedIDsOf 按 sequence_order 排序并拒绝重复的 id 或序号。
func orderedIDsOf(items []ReorderItem) ([]int64, error) {
	seenID := make(map[int64]struct{}, len(items))
	seenOrder := make(map[int]struct{}, len(items))
	for _, it := range items {
		if _, dup := seenID[it.ID]; dup {
			return nil, domain.NewValidationError("scripts", "duplicate id %d", it.ID)
		}
		if _, dup := seenOrder[it.SequenceOrder]; dup {
			return nil, domain.NewValidationError("scripts", "duplicate sequence_order %d", it.SequenceOrder)
		}
		seenID[it.ID] = struct{}{}
		seenOrder[it.SequenceOrder] = struct{}{}
	}
	sorted := make([]ReorderItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceOrder < sorted[j].SequenceOrder })

	ids := make([]int64, len(sorted))
	for i, it := range sorted {
		ids[i] = it.ID
	}
	return ids, nil
}

func (s *LogicScriptService) reorderTrigger(ctx context.Context, tenant, trigger string, orderedIDs []int64) (domain.TriggerPoint, error) {
	if trigger != "" {
		return domain.ParseTriggerPoint(trigger)
	}
	if len(orderedIDs) == 0 {
		return "", domain.NewValidationError("trigger_point", "required when scripts is empty")
	}
	first, err := s.repo.Get(ctx, tenant, orderedIDs[0])
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", domain.NewValidationError("scripts", "id %d is not a member of the group", orderedIDs[0])
		}
		return "", err
	}
	return first.TriggerPoint, nil
}

// ActiveScriptsFor 返回分组内启用的脚本，按 sequence_order 升序。
// 先查缓存；未命中时同一分组的并发请求只回源一次。
func (s *LogicScriptService) ActiveScriptsFor(ctx context.Context, group domain.GroupKey) ([]*domain.LogicScript, error) {
	ctx, span := s.tracer.Start(ctx, "service.ActiveScriptsFor")
	defer span.End()

	scripts, err := s.loadActive(ctx, group)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}

	active := make([]*domain.LogicScript, 0, len(scripts))
	for _, sc := range scripts {
		if sc.Active && sc.TriggerPoint == group.TriggerPoint {
			active = append(active, sc)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].SequenceOrder < active[j].SequenceOrder })
	span.SetAttributes(attribute.Int("logic.script_count", len(active)))
	return active, nil
}

func (s *LogicScriptService) loadActive(ctx context.Context, group domain.GroupKey) ([]*domain.LogicScript, error) {
	if s.cache != nil {
		cached, hit, err := s.cache.Get(ctx, group)
		switch {
		case err != nil:
			// 缓存故障时降级为直接读库
			s.observeCache("error")
			logger.Ctx(ctx).Warn().Err(err).Str("group", group.String()).Msg("Script cache unavailable")
		case hit:
			s.observeCache("hit")
			return cached, nil
		default:
			s.observeCache("miss")
		}
	}

	// 共享的回源不跟随任何一个调用方的取消，每个调用方只等待自己的 ctx
	ch := s.loads.DoChan(group.String(), func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return s.loadFromStore(loadCtx, group)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]*domain.LogicScript), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// loadFromStore 读库并回填缓存。代数在读库之前取得，
// 读库期间分组被修改时代数已变化，旧列表不会写回。
func (s *LogicScriptService) loadFromStore(ctx context.Context, group domain.GroupKey) ([]*domain.LogicScript, error) {
	var (
		version   int64
		cacheable = s.cache != nil
	)
	if cacheable {
		v, err := s.cache.Version(ctx, group)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("group", group.String()).Msg("Script cache version unavailable")
			cacheable = false
		}
		version = v
	}

	scripts, err := s.repo.ListActive(ctx, group)
	if err != nil {
		return nil, err
	}
	if cacheable {
		stored, err := s.cache.Set(ctx, group, version, scripts)
		switch {
		case err != nil:
			logger.Ctx(ctx).Warn().Err(err).Str("group", group.String()).Msg("Failed to fill script cache")
		case !stored:
			s.observeCache("stale")
			logger.Ctx(ctx).Debug().Str("group", group.String()).Msg("Group changed during load, cache not filled")
		}
	}
	return scripts, nil
}

// Execute 在触发点上执行分组内的全部启用脚本并返回决策
func (s *LogicScriptService) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	ctx, span := s.tracer.Start(ctx, "service.ExecuteLogicScripts")
	defer span.End()

	tenant, err := requireTenant(req.DistributorID)
	if err != nil {
		return nil, err
	}
	trigger, err := domain.ParseTriggerPoint(req.TriggerPoint)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("distributor.id", tenant), attribute.String("logic.trigger_point", string(trigger)))

	input, err := domain.SplitContextPayload(req.Context)
	if err != nil {
		return nil, err
	}
	execCtx, err := domain.BuildContext(tenant, trigger, input)
	if err != nil {
		return nil, err
	}

	group := domain.GroupKey{DistributorID: tenant, TriggerPoint: trigger}
	scripts, err := s.ActiveScriptsFor(ctx, group)
	if err != nil {
		recordErr(span, err)
		return nil, err
	}

	decision := domain.Reduce(ctx, s.evaluator, scripts, execCtx, s.reducer)
	decisionID := uuid.NewString()
	span.SetAttributes(
		attribute.String("logic.decision_id", decisionID),
		attribute.Bool("logic.allowed", decision.Allowed),
		attribute.Int("logic.evaluated", len(decision.Results)),
	)
	if s.metrics != nil {
		s.metrics.observeDecision(trigger, decision)
	}

	event := &domain.DecisionEvaluated{
		EventID:       uuid.NewString(),
		DecisionID:    decisionID,
		DistributorID: tenant,
		TriggerPoint:  trigger,
		Allowed:       decision.Allowed,
		Message:       decision.Message,
		VetoedBy:      decision.VetoedBy,
		Results:       decision.Results,
		EvaluatedAt:   s.now(),
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		event.TraceID = sc.TraceID().String()
	}

	log := logger.Ctx(ctx).Info()
	if n := event.ErrorCount(); n > 0 {
		log = logger.Ctx(ctx).Warn().Int("errors", n)
	}
	log.Str("decision_id", decisionID).
		Str("group", group.String()).
		Bool("allowed", decision.Allowed).
		Int64("vetoed_by", decision.VetoedBy).
		Int("evaluated", len(decision.Results)).
		Msg("Trigger point evaluated")

	s.publishAsync(ctx, func(ctx context.Context) error { return s.events.PublishDecision(ctx, event) })

	return &ExecuteResponse{
		DecisionID: decisionID,
		Allowed:    decision.Allowed,
		Message:    decision.Message,
		Results:    decision.Results,
		Context:    decision.Context.Payload(),
	}, nil
}

// Validate 编译脚本但不执行
func (s *LogicScriptService) Validate(ctx context.Context, req *ValidateRequest) (*ValidateResponse, error) {
	_, span := s.tracer.Start(ctx, "service.ValidateScript")
	defer span.End()

	if strings.TrimSpace(req.ScriptContent) == "" {
		return nil, domain.NewValidationError("script_content", "must not be empty")
	}
	issues := s.validator.Check(req.ScriptContent)
	if issues == nil {
		issues = []port.Issue{}
	}
	return &ValidateResponse{Valid: len(issues) == 0, Issues: issues}, nil
}

// Generate 调用外部生成服务得到脚本草稿，草稿不会入库
func (s *LogicScriptService) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	ctx, span := s.tracer.Start(ctx, "service.GenerateScript")
	defer span.End()

	tenant, err := requireTenant(req.DistributorID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, domain.NewValidationError("prompt", "must not be empty")
	}
	if req.TriggerPoint != "" {
		if _, err := domain.ParseTriggerPoint(req.TriggerPoint); err != nil {
			return nil, err
		}
	}
	if s.generator == nil {
		return nil, port.ErrGeneratorUnavailable
	}

	draft, err := s.generator.Generate(ctx, port.GenerationRequest{
		DistributorID: tenant,
		Prompt:        req.Prompt,
		TriggerPoint:  req.TriggerPoint,
	})
	if err != nil {
		recordErr(span, err)
		return nil, err
	}

	issues := s.validator.Check(draft.ScriptContent)
	if _, err := domain.ParseTriggerPoint(draft.TriggerPoint); err != nil {
		issues = append(issues, port.Issue{Message: err.Error()})
	}
	if issues == nil {
		issues = []port.Issue{}
	}
	logger.Ctx(ctx).Info().Str("distributor_id", tenant).Int("issues", len(issues)).Msg("Logic script draft generated")
	return &GenerateResponse{
		TriggerPoint:  draft.TriggerPoint,
		Description:   draft.Description,
		ScriptContent: draft.ScriptContent,
		Issues:        issues,
	}, nil
}

func (s *LogicScriptService) withGroupLock(ctx context.Context, group domain.GroupKey, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	unlock, err := s.locker.Lock(ctx, group)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// afterChange 失效分组缓存并发布变更事件。
func (s *LogicScriptService) afterChange(ctx context.Context, kind domain.ChangeKind, group domain.GroupKey, ids ...int64) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, group); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("group", group.String()).Msg("Failed to invalidate script cache")
		}
	}
	event := &domain.ScriptChanged{
		EventID:       uuid.NewString(),
		Kind:          kind,
		DistributorID: group.DistributorID,
		TriggerPoint:  group.TriggerPoint,
		ScriptIDs:     ids,
		OccurredAt:    s.now(),
	}
	s.publishAsync(ctx, func(ctx context.Context) error { return s.events.PublishScriptChange(ctx, event) })
}

// publishAsync 在后台发布事件，不阻塞请求；失败只记录日志。
func (s *LogicScriptService) publishAsync(ctx context.Context, publish func(context.Context) error) {
	if s.events == nil {
		return
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := publish(ctx); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Failed to publish logic event")
		}
	}()
}

func (s *LogicScriptService) observeMutation(op string, err error) {
	if s.metrics != nil {
		s.metrics.observeMutation(op, err)
	}
}

func (s *LogicScriptService) observeCache(result string) {
	if s.metrics != nil {
		s.metrics.observeCache(result)
	}
}
