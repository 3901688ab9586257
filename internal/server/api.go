// Package server exposes the engine over gRPC, HTTP/JSON and an ops
// endpoint. Every transport goes through API, so commands and getters
// behave the same whichever way they arrive.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"

	"PerpEngine/internal/apperr"
	"PerpEngine/internal/core"
	"PerpEngine/internal/event"
	"PerpEngine/internal/ingestion"
	fpmath "PerpEngine/internal/math"
	"PerpEngine/internal/observability"
	"PerpEngine/internal/query"
	"PerpEngine/internal/token"
)

// ErrHistoryUnavailable is returned by history getters when the server
// runs without a projection database.
var ErrHistoryUnavailable = errors.New("history queries need a database")

// commandTypes maps the public command names to event types.
var commandTypes = map[string]event.EventType{
	"deposit":          event.EventTypeDeposit,
	"withdraw":         event.EventTypeWithdraw,
	"settle":           event.EventTypeSettle,
	"tradeFill":        event.EventTypeTradeFill,
	"oracleUpdate":     event.EventTypeOracleUpdate,
	"liquidate":        event.EventTypeLiquidate,
	"claimReceipts":    event.EventTypeClaimReceipt,
	"claimEscrow":      event.EventTypeClaimEscrow,
	"deployPool":       event.EventTypeDeployPool,
	"stake":            event.EventTypePoolStake,
	"poolWithdraw":     event.EventTypePoolWithdraw,
	"reward":           event.EventTypePoolReward,
	"claimRewards":     event.EventTypePoolClaimRewards,
	"transfer":         event.EventTypePoolTransfer,
	"updatePoolAmount": event.EventTypePoolUpdate,
	"updateParams":     event.EventTypeParamUpdate,
}

// Args carries the optional getter arguments. Which ones a getter needs
// depends on the getter.
type Args struct {
	User uuid.UUID
	ID   uuid.UUID
	Hour int64
	From int64
	Page query.Page
}

// ParseArgs reads getter arguments by name, e.g. from URL query values.
func ParseArgs(get func(string) string) (Args, error) {
	var a Args
	var err error
	if a.User, err = optUUID(get("user")); err != nil {
		return a, apperr.New(apperr.KindInvalidArgument, "query", "user: %v", err)
	}
	if a.ID, err = optUUID(get("id")); err != nil {
		return a, apperr.New(apperr.KindInvalidArgument, "query", "id: %v", err)
	}
	ints := []struct {
		name string
		dst  *int64
	}{{"hour", &a.Hour}, {"from", &a.From}, {"before", &a.Page.Before}}
	for _, f := range ints {
		if *f.dst, err = optInt(get(f.name)); err != nil {
			return a, apperr.New(apperr.KindInvalidArgument, "query", "%s: %v", f.name, err)
		}
	}
	limit, err := optInt(get("limit"))
	if err != nil {
		return a, apperr.New(apperr.KindInvalidArgument, "query", "limit: %v", err)
	}
	a.Page.Limit = int(limit)
	return a, nil
}

func optUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

func optInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func (a Args) user(op string) (uuid.UUID, error) {
	if a.User == uuid.Nil {
		return uuid.Nil, apperr.New(apperr.KindInvalidArgument, op, "user is required")
	}
	return a.User, nil
}

type getter func(ctx context.Context, api *API, market string, a Args) (any, error)

func userGetter(op string, fn func(*query.Live, context.Context, string, uuid.UUID) (fpmath.Wad, error)) getter {
	return func(ctx context.Context, api *API, market string, a Args) (any, error) {
		u, err := a.user(op)
		if err != nil {
			return nil, err
		}
		return fn(api.live, ctx, market, u)
	}
}

func marketGetter[T any](fn func(*query.Live, context.Context, string) (T, error)) getter {
	return func(ctx context.Context, api *API, market string, _ Args) (any, error) {
		return fn(api.live, ctx, market)
	}
}

func hourGetter(fn func(*query.Live, context.Context, string, int64) (fpmath.Price, error)) getter {
	return func(ctx context.Context, api *API, market string, a Args) (any, error) {
		return fn(api.live, ctx, market, a.Hour)
	}
}

// getters is the read surface, live state first then projected history.
var getters = map[string]getter{
	"getBalance": func(ctx context.Context, api *API, market string, a Args) (any, error) {
		u, err := a.user("getBalance")
		if err != nil {
			return nil, err
		}
		return api.live.GetBalance(ctx, market, u)
	},
	"getUserMargin":           userGetter("getUserMargin", (*query.Live).GetUserMargin),
	"getUserMinMargin":        userGetter("getUserMinMargin", (*query.Live).GetUserMinMargin),
	"getUserNotionalValue":    userGetter("getUserNotionalValue", (*query.Live).GetUserNotionalValue),
	"getPoolUserBalance":      userGetter("getPoolUserBalance", (*query.Live).GetPoolUserBalance),
	"getPoolHoldings":         marketGetter((*query.Live).GetPoolHoldings),
	"getPoolTarget":           marketGetter((*query.Live).GetPoolTarget),
	"getPoolFundingRate":      marketGetter((*query.Live).GetPoolFundingRate),
	"get24HourPrices":         marketGetter((*query.Live).Get24HourPrices),
	"fairPrice":               marketGetter((*query.Live).FairPrice),
	"leveragedNotionalValue":  marketGetter((*query.Live).LeveragedNotionalValue),
	"getHourlyAvgTracerPrice": hourGetter((*query.Live).GetHourlyAvgTracerPrice),
	"getHourlyAvgOraclePrice": hourGetter((*query.Live).GetHourlyAvgOraclePrice),
	"getLiquidationReceipt": func(ctx context.Context, api *API, market string, a Args) (any, error) {
		if a.ID == uuid.Nil {
			return nil, apperr.New(apperr.KindInvalidArgument, "getLiquidationReceipt", "id is required")
		}
		return api.live.GetLiquidationReceipt(ctx, market, a.ID)
	},

	"fundingHistory": func(ctx context.Context, api *API, market string, a Args) (any, error) {
		if api.history == nil {
			return nil, ErrHistoryUnavailable
		}
		u, err := a.user("fundingHistory")
		if err != nil {
			return nil, err
		}
		return api.history.GetFundingHistory(ctx, market, u, a.Page)
	},
	"fundingIndices": func(ctx context.Context, api *API, market string, a Args) (any, error) {
		if api.history == nil {
			return nil, ErrHistoryUnavailable
		}
		return api.history.GetFundingIndices(ctx, market, a.From, a.Page.Limit)
	},
	"receipts": func(ctx context.Context, api *API, market string, a Args) (any, error) {
		if api.history == nil {
			return nil, ErrHistoryUnavailable
		}
		return api.history.GetReceipts(ctx, market, a.User, a.Page)
	},
	"poolEvents": func(ctx context.Context, api *API, market string, a Args) (any, error) {
		if api.history == nil {
			return nil, ErrHistoryUnavailable
		}
		return api.history.GetPoolEvents(ctx, market, a.Page)
	},
	"journals": func(ctx context.Context, api *API, market string, a Args) (any, error) {
		if api.history == nil {
			return nil, ErrHistoryUnavailable
		}
		u, err := a.user("journals")
		if err != nil {
			return nil, err
		}
		return api.history.GetJournalHistory(ctx, market, u, a.Page)
	},
	"integrity": func(ctx context.Context, api *API, market string, _ Args) (any, error) {
		if api.history == nil {
			return nil, ErrHistoryUnavailable
		}
		return api.history.VerifyIntegrity(ctx, market)
	},
}

// API is the transport-independent surface of the engine.
type API struct {
	engine     ingestion.Submitter
	live       *query.Live
	history    *query.QueryService
	markets    func() []string
	tokens     map[string]token.Ledger
	governance uuid.UUID
	metrics    *observability.Metrics
	log        zerolog.Logger
}

// APIConfig wires an API. History and Metrics may be nil.
type APIConfig struct {
	Engine     *core.Engine
	History    *query.QueryService
	Tokens     map[string]token.Ledger
	Governance uuid.UUID
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
}

func NewAPI(cfg APIConfig) *API {
	return &API{
		engine:     cfg.Engine,
		live:       query.NewLive(cfg.Engine),
		history:    cfg.History,
		markets:    cfg.Engine.Markets,
		tokens:     cfg.Tokens,
		governance: cfg.Governance,
		metrics:    cfg.Metrics,
		log:        cfg.Logger.With().Str("component", "api").Logger(),
	}
}

// Markets lists the markets the engine serves.
func (api *API) Markets() []string { return api.markets() }

// Submit decodes a command payload and submits it to its market. The
// payload is the command's event JSON.
func (api *API) Submit(ctx context.Context, market, command string, payload []byte) (core.Result, error) {
	start := time.Now()
	res, err := api.submit(ctx, market, command, payload)
	api.observe("command:"+command, start, err)
	return res, err
}

func (api *API) submit(ctx context.Context, market, command string, payload []byte) (core.Result, error) {
	t, ok := commandTypes[command]
	if !ok {
		return core.Result{}, apperr.New(apperr.KindNotFound, "submit", "unknown command %q", command)
	}
	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{
		Subject:   ingestion.CommandSubject(t, market),
		EventType: t,
		Data:      payload,
		Received:  time.Now(),
	})
	if err != nil {
		return core.Result{}, err
	}
	return api.engine.Submit(ctx, evt)
}

// Get runs a named getter against market.
func (api *API) Get(ctx context.Context, market, name string, a Args) (any, error) {
	start := time.Now()
	v, err := api.get(ctx, market, name, a)
	api.observe("get:"+name, start, err)
	return v, err
}

func (api *API) get(ctx context.Context, market, name string, a Args) (any, error) {
	g, ok := getters[name]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "query", "unknown getter %q", name)
	}
	return g(ctx, api, market, a)
}

// MintRequest is a faucet mint. Only governance may mint.
type MintRequest struct {
	Caller uuid.UUID  `json:"caller"`
	To     uuid.UUID  `json:"to"`
	Amount fpmath.Wad `json:"amount"`
}

// ApproveRequest lets owner's tokens be pulled by spender, usually a
// market custody address.
type ApproveRequest struct {
	Owner   uuid.UUID  `json:"owner"`
	Spender uuid.UUID  `json:"spender"`
	Amount  fpmath.Wad `json:"amount"`
}

// TokenBalance is an owner's balance and allowance towards a spender.
type TokenBalance struct {
	Token     string     `json:"token"`
	Owner     uuid.UUID  `json:"owner"`
	Balance   fpmath.Wad `json:"balance"`
	Spender   uuid.UUID  `json:"spender,omitempty"`
	Allowance fpmath.Wad `json:"allowance"`
}

func (api *API) token(name string) (token.Ledger, error) {
	l, ok := api.tokens[name]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "token", "unknown token %q", name)
	}
	return l, nil
}

func (api *API) Mint(ctx context.Context, tokenName string, req MintRequest) error {
	if req.Caller != api.governance {
		return apperr.New(apperr.KindOnlyGovernance, "mint", "caller %s is not governance", req.Caller)
	}
	l, err := api.token(tokenName)
	if err != nil {
		return err
	}
	n, err := token.ToUnits(req.Amount.Decimal)
	if err != nil {
		return apperr.New(apperr.KindInvalidArgument, "mint", "%v", err)
	}
	if err := l.Mint(ctx, req.To, n); err != nil {
		return err
	}
	api.log.Info().Str("token", tokenName).Str("to", req.To.String()).Str("amount", req.Amount.String()).Msg("faucet mint")
	return nil
}

func (api *API) Approve(ctx context.Context, tokenName string, req ApproveRequest) error {
	l, err := api.token(tokenName)
	if err != nil {
		return err
	}
	n, err := token.ToUnits(req.Amount.Decimal)
	if err != nil {
		return apperr.New(apperr.KindInvalidArgument, "approve", "%v", err)
	}
	return l.Approve(ctx, req.Owner, req.Spender, n)
}

func (api *API) Balance(ctx context.Context, tokenName string, owner, spender uuid.UUID) (TokenBalance, error) {
	l, err := api.token(tokenName)
	if err != nil {
		return TokenBalance{}, err
	}
	bal, err := l.BalanceOf(ctx, owner)
	if err != nil {
		return TokenBalance{}, err
	}
	out := TokenBalance{Token: tokenName, Owner: owner, Balance: fpmath.NewWad(token.FromUnits(bal))}
	if spender != uuid.Nil {
		allow, err := l.Allowance(ctx, owner, spender)
		if err != nil {
			return TokenBalance{}, err
		}
		out.Spender = spender
		out.Allowance = fpmath.NewWad(token.FromUnits(allow))
	}
	return out, nil
}

func (api *API) observe(route string, start time.Time, err error) {
	if api.metrics == nil {
		return
	}
	api.metrics.QueryRequests.WithLabelValues(route, errorCode(err)).Inc()
	api.metrics.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

// ============================================================================
// Error mapping
// ============================================================================

type statusPair struct {
	http int
	grpc codes.Code
}

var kindStatus = map[apperr.Kind]statusPair{
	apperr.KindInvalidArgument:          {http.StatusBadRequest, codes.InvalidArgument},
	apperr.KindUnitMismatch:             {http.StatusBadRequest, codes.InvalidArgument},
	apperr.KindNotFound:                 {http.StatusNotFound, codes.NotFound},
	apperr.KindUnauthorized:             {http.StatusForbidden, codes.PermissionDenied},
	apperr.KindOnlyGovernance:           {http.StatusForbidden, codes.PermissionDenied},
	apperr.KindAlreadyClaimed:           {http.StatusConflict, codes.AlreadyExists},
	apperr.KindEscrowAlreadyClaimed:     {http.StatusConflict, codes.AlreadyExists},
	apperr.KindFillAlreadyClaimed:       {http.StatusConflict, codes.AlreadyExists},
	apperr.KindPoolAlreadyExists:        {http.StatusConflict, codes.AlreadyExists},
	apperr.KindInsufficientAllowance:    {http.StatusUnprocessableEntity, codes.FailedPrecondition},
	apperr.KindInsufficientBalance:      {http.StatusUnprocessableEntity, codes.FailedPrecondition},
	apperr.KindBelowValidMargin:         {http.StatusUnprocessableEntity, codes.FailedPrecondition},
	apperr.KindAboveMargin:              {http.StatusUnprocessableEntity, codes.FailedPrecondition},
	apperr.KindOrderPredatesLiquidation: {http.StatusUnprocessableEntity, codes.FailedPrecondition},
	apperr.KindEscrowNotReleased:        {http.StatusUnprocessableEntity, codes.FailedPrecondition},
	apperr.KindClaimWindowExpired:       {http.StatusUnprocessableEntity, codes.FailedPrecondition},
	apperr.KindPoolNotSupported:         {http.StatusUnprocessableEntity, codes.FailedPrecondition},
}

func statusOf(err error) statusPair {
	switch {
	case err == nil:
		return statusPair{http.StatusOK, codes.OK}
	case errors.Is(err, core.ErrSequenceGap):
		return statusPair{http.StatusConflict, codes.Aborted}
	case errors.Is(err, core.ErrEngineStopped), errors.Is(err, ErrHistoryUnavailable):
		return statusPair{http.StatusServiceUnavailable, codes.Unavailable}
	case errors.Is(err, context.DeadlineExceeded):
		return statusPair{http.StatusGatewayTimeout, codes.DeadlineExceeded}
	case errors.Is(err, context.Canceled):
		return statusPair{499, codes.Canceled}
	}
	if s, ok := kindStatus[apperr.KindOf(err)]; ok {
		return s
	}
	return statusPair{http.StatusInternalServerError, codes.Internal}
}

// HTTPStatus maps an error to its HTTP status code.
func HTTPStatus(err error) int { return statusOf(err).http }

// GRPCCode maps an error to its gRPC status code.
func GRPCCode(err error) codes.Code { return statusOf(err).grpc }

// errorCode is the metrics label for err: the kind when classified.
func errorCode(err error) string {
	if err == nil {
		return "ok"
	}
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	return GRPCCode(err).String()
}
