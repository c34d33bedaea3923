// Package gin provides Gin-compatible middleware for tollbooth payment
// gating. It is a thin adapter: all verification and settlement logic lives
// in the payment package; this translates gin.Context in and out.
package gin

import (
	"log/slog"
	"math/big"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tollbooth-dev/tollbooth"
	"github.com/tollbooth-dev/tollbooth/config"
	"github.com/tollbooth-dev/tollbooth/encoding"
	"github.com/tollbooth-dev/tollbooth/payment"
)

// PaymentContextKey is the gin context key under which the verification is
// stored for downstream handlers.
const PaymentContextKey = "tollbooth_payment"

// Config gates a group of gin routes behind one price.
type Config struct {
	// Price is a price string ("$0.01" or atomic units).
	Price string

	// Asset and Network name the accepted payment method.
	Asset   string
	Network string

	// PayTo is the receiving address.
	PayTo string

	// FacilitatorURL overrides the default facilitator.
	FacilitatorURL string

	// MaxTimeoutSeconds bounds payment authorization validity. Zero means 300.
	MaxTimeoutSeconds int

	// VerifyOnly skips settlement, for staging environments.
	VerifyOnly bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Middleware returns a gin middleware that requires payment before the
// handler chain runs. The verification is stored in the gin context under
// PaymentContextKey.
func Middleware(cfg Config) (gin.HandlerFunc, error) {
	amount, err := tollbooth.ParsePrice(cfg.Price, cfg.Asset)
	if err != nil {
		return nil, err
	}

	timeout := cfg.MaxTimeoutSeconds
	if timeout == 0 {
		timeout = 300
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	facilitatorURL := cfg.FacilitatorURL
	if facilitatorURL == "" {
		facilitatorURL = payment.DefaultFacilitatorURL
	}
	strategy := payment.NewFacilitatorStrategy(nil, nil)

	return func(c *gin.Context) {
		reqs, err := payment.BuildRequirements(payment.BuildInput{
			Amount:            new(big.Int).Set(amount),
			Accepts:           []config.Accept{{Asset: cfg.Asset, Network: cfg.Network}},
			PayTo:             cfg.PayTo,
			Resource:          c.Request.URL.Path,
			Description:       c.Request.Method + " " + c.FullPath(),
			MaxTimeoutSeconds: timeout,
		})
		if err != nil {
			logger.Error("failed to build payment requirements", slog.Any("error", err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "payment configuration error"})
			return
		}
		targets := []payment.Target{{Requirement: reqs[0], FacilitatorURL: facilitatorURL}}

		sig := c.GetHeader("payment-signature")
		if sig == "" {
			logger.Info("payment required", slog.String("path", c.Request.URL.Path))
			abortPaymentRequired(c, reqs)
			return
		}

		payload, err := encoding.DecodePayment(sig)
		if err != nil {
			logger.Warn("malformed payment-signature header", slog.Any("error", err))
			abortPaymentRequired(c, reqs)
			return
		}

		v, err := strategy.Verify(c.Request.Context(), payload, targets)
		if err != nil {
			ge := tollbooth.AsGatewayError(err)
			logger.Warn("payment verification failed", slog.String("kind", string(ge.Kind)))
			setRequirementsHeader(c, reqs)
			c.AbortWithStatusJSON(ge.Status, gin.H{"error": ge.Message})
			return
		}

		if !cfg.VerifyOnly {
			settled, err := strategy.Settle(c.Request.Context(), payload, targets[v.RequirementIndex], v)
			if err != nil {
				ge := tollbooth.AsGatewayError(err)
				logger.Error("settlement failed", slog.Any("error", err))
				c.AbortWithStatusJSON(ge.Status, gin.H{"error": ge.Message})
				return
			}
			if header, err := encoding.EncodeSettlement(*settled); err == nil {
				c.Header("payment-response", header)
			}
			logger.Info("payment settled",
				slog.String("payer", settled.Payer), slog.String("transaction", settled.Transaction))
		}

		c.Set(PaymentContextKey, v)
		c.Next()
	}, nil
}

func setRequirementsHeader(c *gin.Context, reqs []tollbooth.PaymentRequirement) {
	if header, err := encoding.EncodeRequirements(reqs); err == nil {
		c.Header("payment-required", header)
	}
}

func abortPaymentRequired(c *gin.Context, reqs []tollbooth.PaymentRequirement) {
	setRequirementsHeader(c, reqs)
	accepts := make([]gin.H, len(reqs))
	for i, r := range reqs {
		accepts[i] = gin.H{"paymentRequirements": r}
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"accepts": accepts})
}
