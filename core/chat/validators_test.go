package chat

import (
	"sync"
	"testing"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"

	"github.com/konfihub/konfichat/core"
)

func newValidate(t *testing.T) *validator.Validate {
	validate := validator.New()
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, found := uni.GetTranslator("en")
	if !found {
		t.Fatal("en translator not found")
	}
	core.InitValidators(validate, translator)
	InitValidators(validate, translator)
	return validate
}

// Room creation requests validate concurrently; the kind check must not
// mutate shared state.
func TestRoomKindValidation_concurrent(t *testing.T) {
	validate := newValidate(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				nr := NewRoom{Kind: RoomGroup, Name: "Bibelkreis", Participants: []string{"k1"}}
				if err := nr.Validate(validate); err != nil {
					t.Errorf("Validate() failed: %v", err)
					return
				}
				bad := NewRoom{Kind: "broadcast"}
				if err := bad.Validate(validate); err == nil {
					t.Error("Validate() accepted an unknown room type")
					return
				}
			}
		}()
	}
	wg.Wait()

	// the exported kind list keeps its declared order
	assert.Equal(t, []string{RoomDirect, RoomGroup, RoomJahrgang, RoomAdminTeam}, RoomKinds)
}
