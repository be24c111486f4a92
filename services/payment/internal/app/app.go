package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"pagecraft/internal/alert"
	"pagecraft/internal/util"
	"pagecraft/pkg/domain"
	"pagecraft/pkg/store"
)

const defaultProductInfo = "Book Purchase"

// Limiter bounds how often one caller may start a payment.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Config holds runtime configuration for the payment core.
type Config struct {
	Store        store.Store
	MerchantKey  string
	MerchantSalt string
	PayuURL      string
	CallbackURL  string
	DefaultEmail string
	Limiter      Limiter
	Alerter      *alert.Alerter
	Now          func() time.Time
}

// App is the PayU payment core.
type App struct {
	store        store.Store
	merchantKey  string
	merchantSalt string
	payuURL      string
	callbackURL  string
	defaultEmail string
	limiter      Limiter
	alerter      *alert.Alerter
	now          func() time.Time
}

// New constructs the payment core. Missing gateway credentials are reported
// per call as ErrNotConfigured.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("payment store required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:        cfg.Store,
		merchantKey:  strings.TrimSpace(cfg.MerchantKey),
		merchantSalt: strings.TrimSpace(cfg.MerchantSalt),
		payuURL:      strings.TrimSpace(cfg.PayuURL),
		callbackURL:  strings.TrimSpace(cfg.CallbackURL),
		defaultEmail: strings.TrimSpace(cfg.DefaultEmail),
		limiter:      cfg.Limiter,
		alerter:      cfg.Alerter,
		now:          now,
	}, nil
}

// InitiateRequest is the client's request to start paying for a book.
// ReturnURL is accepted but the redirect target is always derived from configuration.
type InitiateRequest struct {
	BookID     string          `json:"bookId"`
	BookTitle  string          `json:"bookTitle"`
	Amount     decimal.Decimal `json:"amount"`
	ReturnURL  string          `json:"returnUrl"`
	CouponCode string          `json:"couponCode"`
}

// RedirectPayload is everything the client needs to post to the gateway.
type RedirectPayload struct {
	Key         string `json:"key"`
	TxnID       string `json:"txnid"`
	Amount      string `json:"amount"`
	ProductInfo string `json:"productinfo"`
	FirstName   string `json:"firstname"`
	Email       string `json:"email"`
	UDF1        string `json:"udf1"`
	UDF2        string `json:"udf2"`
	Hash        string `json:"hash"`
	SURL        string `json:"surl"`
	FURL        string `json:"furl"`
	PayuURL     string `json:"payuUrl"`
}

// CallbackResult reports where the gateway's browser redirect should land.
type CallbackResult struct {
	BookID       string
	Status       domain.PurchaseStatus
	Transitioned bool
}

func (a *App) configured() bool {
	return a.merchantKey != "" && a.merchantSalt != ""
}

// Initiate records a pending purchase and returns the signed gateway payload.
func (a *App) Initiate(ctx context.Context, caller domain.Caller, req InitiateRequest) (RedirectPayload, error) {
	if !a.configured() {
		return RedirectPayload{}, ErrNotConfigured
	}
	logger := util.LoggerFromContext(ctx)
	bookID := strings.TrimSpace(req.BookID)
	if strings.TrimSpace(caller.UserID) == "" {
		return RedirectPayload{}, fmt.Errorf("%w: caller required", ErrInvalidRequest)
	}
	if bookID == "" {
		return RedirectPayload{}, fmt.Errorf("%w: bookId required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return RedirectPayload{}, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	amount := req.Amount.Round(2)

	if a.limiter != nil {
		ok, err := a.limiter.Allow(ctx, caller.UserID)
		if err != nil {
			logger.Warn("payment_rate_limit_error", "user_id", caller.UserID, "err", err)
		}
		if !ok {
			a.observe(ctx, alert.EventPaymentInitiate, alert.OutcomeRateLimited, caller.UserID)
			return RedirectPayload{}, ErrRateLimited
		}
	}

	book, ok, err := a.store.GetBook(ctx, bookID)
	if err != nil {
		return RedirectPayload{}, fmt.Errorf("%w: load book: %v", ErrPersistence, err)
	}
	if !ok {
		return RedirectPayload{}, ErrBookNotFound
	}
	if book.Price.IsPositive() && !book.Price.Equal(amount) {
		return RedirectPayload{}, fmt.Errorf("%w: amount %s does not match price %s", ErrInvalidRequest, amount.StringFixed(2), book.Price.StringFixed(2))
	}

	existing, found, err := a.store.GetPurchase(ctx, caller.UserID, bookID)
	if err != nil {
		return RedirectPayload{}, fmt.Errorf("%w: load purchase: %v", ErrPersistence, err)
	}
	if found && existing.Status == domain.PurchaseCompleted {
		return RedirectPayload{}, ErrAlreadyPurchased
	}

	finalAmount := amount
	couponCode := ""
	if code := strings.TrimSpace(req.CouponCode); code != "" {
		coupon, err := a.validateCoupon(ctx, code, amount)
		if err != nil {
			return RedirectPayload{}, err
		}
		finalAmount = amount.Sub(coupon.Discount(amount)).Round(2)
		if !finalAmount.IsPositive() {
			return RedirectPayload{}, fmt.Errorf("%w: discount covers the whole price", ErrInvalidCoupon)
		}
		couponCode = coupon.Code
	}

	txnID := newTxnID(a.now())
	purchase := domain.Purchase{
		UserID:         caller.UserID,
		BookID:         bookID,
		Amount:         finalAmount,
		OriginalAmount: amount,
		CouponCode:     couponCode,
		TxnID:          txnID,
		Status:         domain.PurchasePending,
	}
	if err := a.store.UpsertPurchase(ctx, purchase); err != nil {
		if errors.Is(err, store.ErrPurchaseCompleted) {
			return RedirectPayload{}, ErrAlreadyPurchased
		}
		return RedirectPayload{}, fmt.Errorf("%w: save purchase: %v", ErrPersistence, err)
	}

	fields := paymentFields{
		Key:         a.merchantKey,
		TxnID:       txnID,
		Amount:      finalAmount.StringFixed(2),
		ProductInfo: productInfo(req.BookTitle, book.Title),
		FirstName:   firstName(caller.Name),
		Email:       a.payerEmail(caller.Email),
		UDF:         [5]string{caller.UserID, bookID},
	}
	logger.Info("payment_initiated", "user_id", caller.UserID, "book_id", bookID, "txnid", txnID, "amount", fields.Amount, "coupon", couponCode)
	return RedirectPayload{
		Key:         fields.Key,
		TxnID:       fields.TxnID,
		Amount:      fields.Amount,
		ProductInfo: fields.ProductInfo,
		FirstName:   fields.FirstName,
		Email:       fields.Email,
		UDF1:        fields.UDF[0],
		UDF2:        fields.UDF[1],
		Hash:        requestHash(fields, a.merchantSalt),
		SURL:        a.callbackURL,
		FURL:        a.callbackURL,
		PayuURL:     a.payuURL,
	}, nil
}

func (a *App) validateCoupon(ctx context.Context, code string, amount decimal.Decimal) (domain.Coupon, error) {
	coupon, ok, err := a.store.GetCouponByCode(ctx, code)
	if err != nil {
		return domain.Coupon{}, fmt.Errorf("%w: load coupon: %v", ErrPersistence, err)
	}
	switch {
	case !ok, !coupon.Active:
		return domain.Coupon{}, fmt.Errorf("%w: %s is not available", ErrInvalidCoupon, code)
	case coupon.ExpiresAt != nil && !a.now().Before(*coupon.ExpiresAt):
		return domain.Coupon{}, fmt.Errorf("%w: %s has expired", ErrInvalidCoupon, code)
	case coupon.MaxUses != nil && coupon.UsesCount >= *coupon.MaxUses:
		return domain.Coupon{}, fmt.Errorf("%w: %s usage limit reached", ErrInvalidCoupon, code)
	case amount.LessThan(coupon.MinPurchase):
		return domain.Coupon{}, fmt.Errorf("%w: minimum purchase is %s", ErrInvalidCoupon, coupon.MinPurchase.StringFixed(2))
	}
	return coupon, nil
}

// Callback verifies a gateway callback and finalizes the matching purchase.
// The returned result is usable for the browser redirect even when err is set.
func (a *App) Callback(ctx context.Context, form map[string]string, clientIP string) (CallbackResult, error) {
	logger := util.LoggerFromContext(ctx)
	result := CallbackResult{BookID: strings.TrimSpace(form["udf2"]), Status: domain.PurchaseFailed}
	if !a.configured() {
		return result, ErrNotConfigured
	}
	txnID := strings.TrimSpace(form["txnid"])
	if txnID == "" {
		return result, fmt.Errorf("%w: txnid missing", ErrInvalidRequest)
	}
	logger = logger.With("txnid", txnID)

	fields := paymentFields{
		Key:         a.merchantKey,
		TxnID:       form["txnid"],
		Amount:      form["amount"],
		ProductInfo: form["productinfo"],
		FirstName:   form["firstname"],
		Email:       form["email"],
		UDF:         [5]string{form["udf1"], form["udf2"], form["udf3"], form["udf4"], form["udf5"]},
	}
	gatewayStatus := form["status"]
	expected := responseHash(fields, gatewayStatus, form["additionalCharges"], a.merchantSalt)
	posted := strings.ToLower(strings.TrimSpace(form["hash"]))
	signatureValid := subtle.ConstantTimeCompare([]byte(posted), []byte(expected)) == 1
	if !signatureValid {
		logger.Warn("payment_callback_bad_signature", "client_ip", clientIP)
		a.observe(ctx, alert.EventPaymentCallback, alert.OutcomeBadSignature, clientIP)
	}

	purchase, ok, err := a.store.GetPurchaseByTxnID(ctx, txnID)
	if err != nil {
		return result, fmt.Errorf("%w: load purchase: %v", ErrPersistence, err)
	}
	if !ok {
		logger.Warn("payment_callback_unknown_txnid", "client_ip", clientIP)
		return result, nil
	}
	result.BookID = purchase.BookID

	amountMatches := false
	if posted, err := decimal.NewFromString(strings.TrimSpace(form["amount"])); err == nil {
		amountMatches = posted.Equal(purchase.Amount)
	}
	if signatureValid && !amountMatches {
		logger.Warn("payment_callback_amount_mismatch", "posted", form["amount"], "stored", purchase.Amount.StringFixed(2))
	}

	status := domain.PurchaseFailed
	if gatewayStatus == "success" && signatureValid && amountMatches {
		status = domain.PurchaseCompleted
	}
	gatewayTxnID := strings.TrimSpace(form["mihpayid"])
	if gatewayTxnID == "" {
		gatewayTxnID = txnID
	}

	updated, transitioned, err := a.store.ApplyPurchaseOutcome(ctx, domain.PurchaseOutcome{
		TxnID:        txnID,
		GatewayTxnID: gatewayTxnID,
		Status:       status,
		Payload:      form,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("payment_callback_unknown_txnid", "client_ip", clientIP)
			return result, nil
		}
		return result, fmt.Errorf("%w: apply outcome: %v", ErrPersistence, err)
	}
	if !transitioned && updated.Status != status {
		logger.Warn("payment_callback_conflict_ignored", "stored_status", updated.Status, "reported_status", status)
	}
	result.Status = updated.Status
	result.Transitioned = transitioned
	logger.Info("payment_callback_processed", "book_id", updated.BookID, "user_id", updated.UserID, "status", updated.Status, "transitioned", transitioned)
	return result, nil
}

// ListPurchases returns the caller's completed purchases.
func (a *App) ListPurchases(ctx context.Context, caller domain.Caller) ([]domain.Purchase, error) {
	purchases, err := a.store.ListPurchasesByUser(ctx, caller.UserID, domain.PurchaseCompleted)
	if err != nil {
		return nil, fmt.Errorf("%w: list purchases: %v", ErrPersistence, err)
	}
	return purchases, nil
}

// HasPurchased reports whether the caller completed a purchase of bookID.
func (a *App) HasPurchased(ctx context.Context, caller domain.Caller, bookID string) (bool, error) {
	bookID = strings.TrimSpace(bookID)
	if bookID == "" {
		return false, fmt.Errorf("%w: bookId required", ErrInvalidRequest)
	}
	p, ok, err := a.store.GetPurchase(ctx, caller.UserID, bookID)
	if err != nil {
		return false, fmt.Errorf("%w: load purchase: %v", ErrPersistence, err)
	}
	return ok && p.Status == domain.PurchaseCompleted, nil
}

func (a *App) observe(ctx context.Context, event, outcome, source string) {
	res, err := a.alerter.Observe(ctx, event, outcome, source)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("payment_alert_observe_failed", "event", event, "err", err)
		return
	}
	if res.Triggered {
		util.LoggerFromContext(ctx).Warn("payment_alert_triggered",
			"event", event,
			"outcome", outcome,
			"source", source,
			"count", res.Count,
			"threshold", res.Threshold,
			"window", res.Window.String(),
		)
	}
}

func (a *App) payerEmail(email string) string {
	if email = strings.TrimSpace(email); email != "" {
		return email
	}
	return a.defaultEmail
}

// newTxnID returns TXN_<unix millis>_<8 hex chars>.
func newTxnID(now time.Time) string {
	return fmt.Sprintf("TXN_%d_%s", now.UnixMilli(), uuid.NewString()[:8])
}

func productInfo(requested, stored string) string {
	for _, title := range []string{requested, stored} {
		title = strings.TrimSpace(strings.ReplaceAll(title, "|", " "))
		if title != "" {
			return title
		}
	}
	return defaultProductInfo
}

func firstName(name string) string {
	fields := strings.Fields(strings.ReplaceAll(name, "|", " "))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
