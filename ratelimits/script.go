package ratelimits

import (
	"fmt"
	"strconv"
)

// chargeScriptSource is the atomic multi-bucket charge protocol: it reads
// current bucket states, refills them based on elapsed time, decides whether
// the whole batch is admissible, and commits new balances atomically across
// every key it touches. It executes under Redis's single-threaded scripting
// guarantee, so no other command interleaves with it.
//
// KEYS: one entry per bucket, in request order.
// ARGV: [now_or_sentinel, n, rate_1, size_1, amount_1, limit_1, adjust_1, ...]
//   - now_or_sentinel: a real (fractional seconds since epoch) or -1, meaning
//     "use the server's own TIME".
//   - n: number of buckets in the batch (== #KEYS); carried explicitly rather
//     than relying on Lua's #ARGV arithmetic at every call site.
//
// Returns: [success_int, level_1, ..., level_n], success_int in {0, 1}.
const chargeScriptSource = `
-- tostring keeps only 14 significant digits; %.17g round-trips a double.
local function num_to_str(x)
  return string.format('%.17g', x)
end

local now = tonumber(ARGV[1])
if now == -1 then
  local t = redis.call('TIME')
  now = tonumber(t[1]) + (tonumber(t[2]) / 1000000)
end

local n = tonumber(ARGV[2])

local current_levels = {}
local new_timestamps = {}
local projected = {}
local effective = {}
local rates = {}
local sizes = {}
local admissible = true

for i = 1, n do
  local base = 2 + (i - 1) * 5
  local rate = tonumber(ARGV[base + 1])
  local size = tonumber(ARGV[base + 2])
  local amount = tonumber(ARGV[base + 3])
  local limit = tonumber(ARGV[base + 4])
  local adjust = tonumber(ARGV[base + 5]) == 1

  rates[i] = rate
  sizes[i] = size

  local key = KEYS[i]
  local stored = redis.call('HMGET', key, 'level', 'timestamp')
  local level, timestamp

  if stored[1] == false then
    level = size
    timestamp = now
  else
    level = tonumber(stored[1])
    timestamp = tonumber(stored[2])
  end

  local elapsed = now - timestamp
  if elapsed < 0 then
    elapsed = 0
  end
  local current = level + rate * elapsed
  if current > size then
    current = size
  end
  current_levels[i] = current

  -- A clock that moved backward must not move the stored timestamp
  -- backward either; only advance it when time actually elapsed.
  if elapsed > 0 then
    new_timestamps[i] = now
  else
    new_timestamps[i] = timestamp
  end

  local p = current - amount
  local eff = amount
  if p >= limit then
    -- individually admissible as-is
  elseif adjust then
    eff = current - limit
  else
    admissible = false
  end
  projected[i] = p
  effective[i] = eff
end

local result = {}
if not admissible then
  result[1] = 0
  for i = 1, n do
    result[i + 1] = num_to_str(current_levels[i])
  end
  return result
end

result[1] = 1
for i = 1, n do
  local key = KEYS[i]
  local new_level = current_levels[i] - effective[i]
  if new_level > sizes[i] then
    new_level = sizes[i]
  end

  if new_level >= sizes[i] then
    redis.call('DEL', key)
  else
    redis.call('HSET', key, 'level', num_to_str(new_level), 'timestamp', num_to_str(new_timestamps[i]))
    if rates[i] > 0 then
      local ttl = math.ceil((sizes[i] - new_level) / rates[i])
      if ttl < 1 then
        ttl = 1
      end
      redis.call('EXPIRE', key, ttl)
    end
  end

  result[i + 1] = num_to_str(new_level)
end

return result
`

// buildScriptArgs serializes a batch into the flat argument vector the script
// expects. now/ok come from a resolved TimeSource: ok=false sends
// nowSentinel, telling the script to query its own server time.
func buildScriptArgs(now float64, ok bool, reqs []ChargeRequest) []interface{} {
	args := make([]interface{}, 0, 2+5*len(reqs))
	if ok {
		args = append(args, formatFloat(now))
	} else {
		args = append(args, strconv.Itoa(nowSentinel))
	}
	args = append(args, strconv.Itoa(len(reqs)))

	for _, r := range reqs {
		adjust := 0
		if r.Options.AllowChargeAdjustment {
			adjust = 1
		}
		args = append(args,
			formatFloat(r.Bucket.rate),
			formatFloat(r.Bucket.size),
			formatFloat(r.Amount),
			formatFloat(r.Options.Limit),
			strconv.Itoa(adjust),
		)
	}
	return args
}

// scriptKeys extracts the ordered key list for a batch.
func scriptKeys(reqs []ChargeRequest) []string {
	keys := make([]string, len(reqs))
	for i, r := range reqs {
		keys[i] = r.Bucket.key
	}
	return keys
}

// parseScriptResult decodes the script's [success_int, level_1, ..., level_n]
// return value, zipping levels back with their buckets' keys. The raw values
// are returned as strings by the script (see chargeScriptSource, which
// formats them with 17 significant digits) to preserve full double-precision
// round-tripping through Redis's reply protocol;
// they're parsed back to float64 here.
func parseScriptResult(reqs []ChargeRequest, raw []interface{}) (bool, map[string]float64, error) {
	if len(raw) != len(reqs)+1 {
		return false, nil, fmt.Errorf("ratelimits: script returned %d values, want %d", len(raw), len(reqs)+1)
	}

	successVal, err := toInt64(raw[0])
	if err != nil {
		return false, nil, fmt.Errorf("ratelimits: decoding success flag: %w", err)
	}
	success := successVal == 1

	levels := make(map[string]float64, len(reqs))
	for i, r := range reqs {
		v, err := toFloat64(raw[i+1])
		if err != nil {
			return false, nil, fmt.Errorf("ratelimits: decoding level for key %q: %w", r.Bucket.key, err)
		}
		levels[r.Bucket.key] = v
	}
	return success, levels, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
