package homeassistant

import "context"

// FetchState returns the current state string for an entity, satisfying
// the hainject.StateFetcher interface so the notebook's execution pass
// can resolve <!-- ha-inject: ... --> directives against a live hub
// without the hainject package needing to import homeassistant itself.
func (c *Client) FetchState(ctx context.Context, entityID string) (string, error) {
	state, err := c.GetState(ctx, entityID)
	if err != nil {
		return "", err
	}
	return state.State, nil
}
