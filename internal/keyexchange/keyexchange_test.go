package keyexchange

import (
	"testing"

	"github.com/nimbusdesk/core/internal/coreerr"
)

func TestFullExchangeDerivesAgreeingKeys(t *testing.T) {
	const password = "correct horse battery staple"

	state, req, err := Begin(1001, 2002, password)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	passiveKeys, sealedReply, err := HandlePassive(req, password)
	if err != nil {
		t.Fatalf("HandlePassive: %v", err)
	}

	activeKeys, err := state.Finish(sealedReply)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if activeKeys.OpeningKey != passiveKeys.SealingKey {
		t.Fatal("active opening key should equal passive sealing key")
	}
	if activeKeys.SealingKey != passiveKeys.OpeningKey {
		t.Fatal("active sealing key should equal passive opening key")
	}
	if activeKeys.OpeningNonce != passiveKeys.SealingNonce {
		t.Fatal("active opening nonce should equal passive sealing nonce")
	}
	if activeKeys.SealingNonce != passiveKeys.OpeningNonce {
		t.Fatal("active sealing nonce should equal passive opening nonce")
	}
}

func TestWrongPasswordSurfacesInvalidPassword(t *testing.T) {
	_, req, err := Begin(1001, 2002, "correct password")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	_, _, err = HandlePassive(req, "wrong password")
	if err == nil {
		t.Fatal("expected error with wrong password")
	}
	if coreerr.KindOf(err) != coreerr.InvalidPassword {
		t.Fatalf("KindOf(err) = %v, want InvalidPassword", coreerr.KindOf(err))
	}
}
