package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"

	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/market"
	"PerpSettle/internal/position"
	"PerpSettle/internal/state"
)

// registerRoutes binds the JSON surface onto the gateway mux.
func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		path    string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/v1/status", s.handleStatus},
		{http.MethodGet, "/v1/work", s.handleWork},
		{http.MethodGet, "/v1/positions", s.handlePositions},
		{http.MethodGet, "/v1/positions/{id}", s.handlePosition},
		{http.MethodGet, "/v1/queue/{owner}", s.handleQueue},
		{http.MethodGet, "/v1/items/{id}", s.handleItem},
		{http.MethodPost, "/v1/exec", s.handleExec},
		{http.MethodPost, "/v1/crank", s.handleCrank},
		{http.MethodPost, "/v1/price", s.handlePrice},
		{http.MethodPost, "/v1/liquidity/deposit", s.handleLiquidityDeposit},
		{http.MethodPost, "/v1/liquidity/withdraw", s.handleLiquidityWithdraw},
		{http.MethodGet, "/v1/history/closed", s.handleClosedHistory},
		{http.MethodGet, "/v1/history/items/{owner}", s.handleItemHistory},
		{http.MethodGet, "/v1/history/events", s.handleEventHistory},
		{http.MethodGet, "/v1/admin/integrity", s.handleIntegrity},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, s.instrument(r.path, r.handler)); err != nil {
			return fmt.Errorf("route %s %s: %w", r.method, r.path, err)
		}
	}
	return nil
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps a route handler with request count and latency
// metrics, labelled by route pattern and response code.
func (s *Server) instrument(endpoint string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		m := s.deps.Metrics
		if m == nil {
			h(w, r, pathParams)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(rec, r, pathParams)
		m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.status)).Inc()
		m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Status())
}

type workResp struct {
	Kind       string `json:"kind"`
	QueueID    uint64 `json:"queue_id,omitempty"`
	PositionID uint64 `json:"position_id,omitempty"`
	Market     string `json:"market,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleWork(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	work := s.deps.Engine.GetWork()
	writeJSON(w, http.StatusOK, workResp{
		Kind:       work.Kind.String(),
		QueueID:    work.QueueID,
		PositionID: work.PositionID,
		Market:     work.Market,
		Reason:     work.Reason,
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Positions())
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := strconv.ParseUint(params["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	resp, ok := s.deps.Engine.Position(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("position %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, params map[string]string) {
	owner := params["owner"]
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner is required")
		return
	}
	after := queryUint(r, "after", 0)
	limit := int(queryUint(r, "limit", 50))
	writeJSON(w, http.StatusOK, s.deps.Engine.QueueStatus(owner, after, limit))
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := strconv.ParseUint(params["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return
	}
	resp, ok := s.deps.Engine.Item(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("item %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// triggerJSON is the wire form of an optional trigger override.
type triggerJSON struct {
	Price    decimal.Decimal `json:"price"`
	Infinite bool            `json:"infinite,omitempty"`
}

func (t *triggerJSON) toTrigger() position.TriggerPrice {
	if t == nil {
		return position.NoTrigger()
	}
	if t.Infinite {
		return position.InfiniteTrigger()
	}
	return position.FiniteTrigger(t.Price)
}

type slippageJSON struct {
	Price     decimal.Decimal `json:"price"`
	Tolerance decimal.Decimal `json:"tolerance"`
}

// execRequest is the wire form of one deferred trader action. Unused
// fields may be omitted depending on kind.
type execRequest struct {
	Kind       string          `json:"kind"`
	Owner      string          `json:"owner"`
	PositionID uint64          `json:"position_id,omitempty"`
	Deposit    decimal.Decimal `json:"deposit,omitempty"`
	Direction  string          `json:"direction,omitempty"`
	Amount     decimal.Decimal `json:"amount,omitempty"`
	Leverage   decimal.Decimal `json:"leverage,omitempty"`
	TakeProfit *triggerJSON    `json:"take_profit,omitempty"`
	StopLoss   *triggerJSON    `json:"stop_loss,omitempty"`
	Slippage   *slippageJSON   `json:"slippage,omitempty"`
}

func parseItemKind(kind string) (state.ItemKind, error) {
	switch kind {
	case "open-position":
		return state.KindOpenPosition, nil
	case "update-collateral-impact-leverage":
		return state.KindUpdateCollateralImpactLeverage, nil
	case "update-collateral-impact-size":
		return state.KindUpdateCollateralImpactSize, nil
	case "update-leverage":
		return state.KindUpdateLeverage, nil
	case "update-max-gains":
		return state.KindUpdateMaxGains, nil
	case "close-position":
		return state.KindClosePosition, nil
	default:
		return 0, fmt.Errorf("unknown item kind %q", kind)
	}
}

func parseDirection(dir string) (market.DirectionToBase, error) {
	switch strings.ToLower(dir) {
	case "", "long":
		return market.DirectionToBaseLong, nil
	case "short":
		return market.DirectionToBaseShort, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", dir)
	}
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	kind, err := parseItemKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dir, err := parseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	item := state.DeferredExecItem{
		Kind:       kind,
		Owner:      req.Owner,
		PositionID: req.PositionID,
		Deposit:    req.Deposit,
		Direction:  dir,
		Amount:     req.Amount,
		Leverage:   req.Leverage,
		TakeProfit: req.TakeProfit.toTrigger(),
		StopLoss:   req.StopLoss.toTrigger(),
	}
	if req.Slippage != nil {
		item.Slippage = &state.SlippageAssert{
			Price:     req.Slippage.Price,
			Tolerance: req.Slippage.Tolerance,
		}
	}

	id, err := s.deps.Engine.Enqueue(item)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"queue_id": id})
}

type crankResp struct {
	Kind       string `json:"kind"`
	QueueID    uint64 `json:"queue_id,omitempty"`
	Status     string `json:"status,omitempty"`
	PositionID uint64 `json:"position_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (s *Server) handleCrank(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	res, err := s.deps.Engine.Crank(time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := crankResp{
		Kind:       res.Work.Kind.String(),
		QueueID:    res.QueueID,
		PositionID: res.PositionID,
		Reason:     res.Reason,
	}
	if res.QueueID != 0 {
		resp.Status = res.Status.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read request: %v", err))
		return
	}

	pp, _, err := ingestion.ParsePricePoint(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Engine.SetPrice(pp); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type liquidityRequest struct {
	Provider string          `json:"provider"`
	Amount   decimal.Decimal `json:"amount,omitempty"`
	Shares   decimal.Decimal `json:"shares,omitempty"`
}

func (s *Server) handleLiquidityDeposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req liquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	minted, err := s.deps.Engine.DepositLiquidity(req.Provider, req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"shares_minted": minted})
}

func (s *Server) handleLiquidityWithdraw(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req liquidityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	amount, err := s.deps.Engine.WithdrawLiquidity(req.Provider, req.Shares)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"amount": amount})
}

func (s *Server) handleClosedHistory(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	owner := r.URL.Query().Get("owner")
	before := int64(queryUint(r, "before", 0))
	limit := int(queryUint(r, "limit", 100))

	records, err := s.deps.History.ClosedPositions(r.Context(), owner, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleItemHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	owner := params["owner"]
	after := int64(queryUint(r, "after", 0))
	limit := int(queryUint(r, "limit", 100))

	records, err := s.deps.History.ExecutedItems(r.Context(), owner, limit, after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	from := int64(queryUint(r, "from", 0))
	limit := int(queryUint(r, "limit", 100))

	records, err := s.deps.History.Events(r.Context(), from, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not configured")
		return
	}
	report, err := s.deps.History.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func queryUint(r *http.Request, key string, def uint64) uint64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
