// Command ratelimitd is a thin HTTP shim around the ratelimits library: a
// demo/ops entrypoint exercising batch charges and level reads over HTTP,
// not part of the atomic charge protocol itself.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/dropstream/redis-token-bucket/ratelimits"
)

func main() {
	var (
		redisAddr    = pflag.String("redis-addr", "127.0.0.1:6379", "address of the Redis-compatible backing store")
		listenAddr   = pflag.String("listen-addr", ":8080", "address to serve HTTP on")
		policyFile   = pflag.String("policy-file", "", "path to a YAML file of named default bucket policies")
		overrideFile = pflag.String("override-file", "", "path to a YAML file of per-bucket-key policy overrides")
	)
	pflag.Parse()
	klog.InitFlags(nil)

	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	registry := prometheus.NewRegistry()
	source := ratelimits.NewRedisSource(client, clock.New(), registry)
	limiter := ratelimits.NewLimiter(source, clock.New(), registry)

	var policies *ratelimits.PolicySet
	if *policyFile != "" {
		var err error
		policies, err = ratelimits.LoadPolicySet(*policyFile, *overrideFile)
		if err != nil {
			klog.Fatalf("loading bucket policies: %v", err)
		}
	}

	srv := &server{limiter: limiter, policies: policies}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/charge", srv.handleCharge)
	mux.HandleFunc("/v1/levels", srv.handleLevels)
	mux.HandleFunc("/healthz", srv.handleHealthz(client))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: *listenAddr, Handler: mux}

	go func() {
		klog.Infof("ratelimitd listening on %s", *listenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		klog.Errorf("shutdown: %v", err)
	}
}

type server struct {
	limiter  *ratelimits.Limiter
	policies *ratelimits.PolicySet
}

type chargeRequestDTO struct {
	// Name, when set, resolves Rate/Size/Limit/AllowChargeAdjustment from the
	// daemon's loaded PolicySet instead of taking them from this request.
	Name                  string  `json:"name,omitempty"`
	Key                   string  `json:"key"`
	Rate                  float64 `json:"rate"`
	Size                  float64 `json:"size"`
	Amount                float64 `json:"amount"`
	Limit                 float64 `json:"limit"`
	AllowChargeAdjustment bool    `json:"allow_charge_adjustment"`
}

type chargeResponseDTO struct {
	RequestID string             `json:"request_id"`
	Success   bool               `json:"success"`
	Levels    map[string]float64 `json:"levels"`
}

// handleCharge maps a batch charge onto a JSON HTTP call: a batch of
// {key, rate, size, amount, limit, allow_charge_adjustment} requests in,
// {success, levels} out.
func (s *server) handleCharge(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	var dtos []chargeRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dtos); err != nil {
		klog.Errorf("request=%s decoding charge request: %v", requestID, err)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(dtos) == 0 {
		http.Error(w, "request body must contain at least one charge", http.StatusBadRequest)
		return
	}

	reqs := make([]ratelimits.ChargeRequest, 0, len(dtos))
	for _, d := range dtos {
		var (
			bucket  ratelimits.Bucket
			options ratelimits.ChargeOptions
			err     error
		)
		if d.Name != "" {
			if s.policies == nil {
				http.Error(w, "no policies loaded, request must supply rate/size instead of name", http.StatusBadRequest)
				return
			}
			bucket, options, err = s.policies.Resolve(d.Name, d.Key)
		} else {
			bucket, err = ratelimits.NewBucket(d.Key, d.Rate, d.Size)
			options = ratelimits.ChargeOptions{Limit: d.Limit, AllowChargeAdjustment: d.AllowChargeAdjustment}
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reqs = append(reqs, ratelimits.ChargeRequest{Bucket: bucket, Amount: d.Amount, Options: options})
	}

	success, levels, err := s.limiter.BatchCharge(r.Context(), reqs...)
	if err != nil {
		klog.Errorf("request=%s batch_charge: %v", requestID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chargeResponseDTO{RequestID: requestID, Success: success, Levels: levels})
}

// handleLevels maps a level read onto GET /v1/levels?key=...&rate=...&size=....
func (s *server) handleLevels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bucket, err := ratelimits.NewBucket(q.Get("key"), parseFloatOr(q.Get("rate"), 0), parseFloatOr(q.Get("size"), 1))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	levels, err := s.limiter.ReadLevels(r.Context(), bucket)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(levels)
}

func (s *server) handleHealthz(client *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := client.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "backing store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func parseFloatOr(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}
