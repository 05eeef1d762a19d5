package connector

import (
	"fmt"

	"github.com/permitwatch/backend/internal/core"
	"github.com/permitwatch/backend/internal/normalize"
)

// ForPlatform builds the connector for a source's platform tag. The caller
// supplies the per-source rate-limited client.
func ForPlatform(p core.Platform, client *Client, norm *normalize.Normalizer, lookup RecordIDLookup) (Connector, error) {
	switch p {
	case core.PlatformJSONDataset:
		return NewSocrata(client, norm), nil
	case core.PlatformFeatureService:
		return NewArcGIS(client, norm, lookup), nil
	default:
		return nil, fmt.Errorf("%w: no connector for platform %q", ErrConfig, p)
	}
}
