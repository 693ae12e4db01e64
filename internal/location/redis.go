package location

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

// Redis implements Store over a per-driver hash plus a per-region GEO index
// for map rendering. The last-write-wins check runs server-side as a Lua
// script so concurrent heartbeat consumers cannot interleave a stale write.
type Redis struct {
	client *redis.Client
}

var updateScript = redis.NewScript(`
local last = redis.call('HGET', KEYS[1], 'last_updated')
if last and tonumber(last) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'last_updated', ARGV[1], 'lat', ARGV[2], 'lon', ARGV[3], 'address', ARGV[4])
if ARGV[5] ~= '' then redis.call('HSET', KEYS[1], 'vehicle_type', ARGV[5]) end
if ARGV[6] ~= '' then redis.call('HSET', KEYS[1], 'status', ARGV[6]) end
if ARGV[7] ~= '' then redis.call('HSET', KEYS[1], 'region_id', ARGV[7]) end
return 1
`)

func NewRedis(addr, password string) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c}
}

func NewRedisFromClient(c *redis.Client) *Redis { return &Redis{client: c} }

func locKey(driverID string) string { return "driver:loc:" + driverID }
func geoKey(regionID string) string { return "region:geo:" + regionID }
func setKey(regionID string) string { return "region:drivers:" + regionID }

func (r *Redis) Update(ctx context.Context, rec models.DriverLocationRecord) (bool, error) {
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = time.Now()
	}
	applied, err := updateScript.Run(ctx, r.client,
		[]string{locKey(rec.DriverID)},
		rec.LastUpdated.UnixNano(),
		strconv.FormatFloat(rec.Location.Lat, 'f', -1, 64),
		strconv.FormatFloat(rec.Location.Lon, 'f', -1, 64),
		rec.Location.Address,
		rec.VehicleType,
		string(rec.Status),
		rec.RegionID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("location update: %w", err)
	}
	if applied == 0 {
		return false, nil // stale heartbeat, drop
	}
	if rec.RegionID != "" {
		if _, err := r.client.GeoAdd(ctx, geoKey(rec.RegionID),
			&redis.GeoLocation{Longitude: rec.Location.Lon, Latitude: rec.Location.Lat, Name: rec.DriverID}).Result(); err != nil {
			return true, fmt.Errorf("location geoadd: %w", err)
		}
		if err := r.client.SAdd(ctx, setKey(rec.RegionID), rec.DriverID).Err(); err != nil {
			return true, fmt.Errorf("location sadd: %w", err)
		}
	}
	return true, nil
}

func (r *Redis) SetStatus(ctx context.Context, driverID, regionID string, st models.DriverStatus, currentOrderID string) error {
	fields := map[string]interface{}{
		"status":           string(st),
		"current_order_id": currentOrderID,
	}
	if regionID != "" {
		fields["region_id"] = regionID
	}
	if err := r.client.HSet(ctx, locKey(driverID), fields).Err(); err != nil {
		return fmt.Errorf("location set status: %w", err)
	}
	if regionID != "" {
		if err := r.client.SAdd(ctx, setKey(regionID), driverID).Err(); err != nil {
			return fmt.Errorf("location sadd: %w", err)
		}
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, driverID string) (models.DriverLocationRecord, error) {
	m, err := r.client.HGetAll(ctx, locKey(driverID)).Result()
	if err != nil {
		return models.DriverLocationRecord{}, fmt.Errorf("location get: %w", err)
	}
	if len(m) == 0 {
		return models.DriverLocationRecord{}, ErrNotFound
	}
	return recordFromHash(driverID, m), nil
}

func (r *Redis) ListByRegion(ctx context.Context, regionID string) ([]models.DriverLocationRecord, error) {
	ids, err := r.client.SMembers(ctx, setKey(regionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("location list: %w", err)
	}
	out := make([]models.DriverLocationRecord, 0, len(ids))
	for _, id := range ids {
		m, err := r.client.HGetAll(ctx, locKey(id)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		rec := recordFromHash(id, m)
		if rec.Status == models.StatusOffline {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func recordFromHash(driverID string, m map[string]string) models.DriverLocationRecord {
	rec := models.DriverLocationRecord{
		DriverID:       driverID,
		RegionID:       m["region_id"],
		VehicleType:    m["vehicle_type"],
		Status:         models.DriverStatus(m["status"]),
		CurrentOrderID: m["current_order_id"],
	}
	if v, err := strconv.ParseFloat(m["lat"], 64); err == nil {
		rec.Location.Lat = v
	}
	if v, err := strconv.ParseFloat(m["lon"], 64); err == nil {
		rec.Location.Lon = v
	}
	rec.Location.Address = m["address"]
	if v, err := strconv.ParseInt(m["last_updated"], 10, 64); err == nil {
		rec.LastUpdated = time.Unix(0, v)
	}
	return rec
}
