package store

import (
	"fmt"

	"github.com/VidhuSarwal/dashcore/internal/models"
	"github.com/VidhuSarwal/dashcore/internal/sealer"
)

// tokenCodec seals the token fields of a credential. The credential key is
// used as additional data so sealed tokens cannot be moved between rows.
type tokenCodec struct {
	sealer *sealer.Sealer
}

type sealedTokens struct {
	Access  []byte
	Refresh []byte
}

func (c tokenCodec) seal(cred *models.Credential) (sealedTokens, error) {
	ad := []byte(cred.Key().String())
	access, err := c.sealer.SealString(cred.AccessToken, ad)
	if err != nil {
		return sealedTokens{}, fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := c.sealer.SealString(cred.RefreshToken, ad)
	if err != nil {
		return sealedTokens{}, fmt.Errorf("seal refresh token: %w", err)
	}
	return sealedTokens{Access: access, Refresh: refresh}, nil
}

func (c tokenCodec) open(cred *models.Credential, t sealedTokens) error {
	ad := []byte(cred.Key().String())
	access, err := c.sealer.OpenString(t.Access, ad)
	if err != nil {
		return fmt.Errorf("open access token: %w", err)
	}
	refresh, err := c.sealer.OpenString(t.Refresh, ad)
	if err != nil {
		return fmt.Errorf("open refresh token: %w", err)
	}
	cred.AccessToken = access
	cred.RefreshToken = refresh
	return nil
}
