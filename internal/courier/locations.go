package courier

import (
	"context"
	"fmt"
	"net/http"
)

type City struct {
	ID   int    `json:"city_id"`
	Name string `json:"city_name"`
}

type Zone struct {
	ID   int    `json:"zone_id"`
	Name string `json:"zone_name"`
}

type Area struct {
	ID                    int    `json:"area_id"`
	Name                  string `json:"area_name"`
	HomeDeliveryAvailable bool   `json:"home_delivery_available"`
	PickupAvailable       bool   `json:"pickup_available"`
}

type listData[T any] struct {
	Data []T `json:"data"`
}

// ListCities returns the top level of the delivery location hierarchy.
func (c *Client) ListCities(ctx context.Context) ([]City, error) {
	var out listData[City]
	if err := c.call(ctx, "list_cities", http.MethodGet, "/aladdin/api/v1/city-list", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ListZones returns the zones of a city.
func (c *Client) ListZones(ctx context.Context, cityID int) ([]Zone, error) {
	if cityID <= 0 {
		return nil, fmt.Errorf("%w: city %d", ErrInvalidLocation, cityID)
	}
	var out listData[Zone]
	path := fmt.Sprintf("/aladdin/api/v1/cities/%d/zone-list", cityID)
	if err := c.call(ctx, "list_zones", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// ListAreas returns the areas of a zone.
func (c *Client) ListAreas(ctx context.Context, zoneID int) ([]Area, error) {
	if zoneID <= 0 {
		return nil, fmt.Errorf("%w: zone %d", ErrInvalidLocation, zoneID)
	}
	var out listData[Area]
	path := fmt.Sprintf("/aladdin/api/v1/zones/%d/area-list", zoneID)
	if err := c.call(ctx, "list_areas", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}
