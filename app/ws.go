package classchat

import (
	"net/http"

	"github.com/hoclab/classchat/core"
	"github.com/hoclab/classchat/pkg/router"
)

// wsHandler upgrades an authenticated request to a websocket connection.
// The participant id is canonicalized before registration so the
// connection map, room memberships and message routing all key off the
// same string.
func (app *App) wsHandler(w http.ResponseWriter, r *http.Request) error {
	session := core.SessionFromRequest(r)

	participant, err := app.normalizer.NormalizeParticipant(session.Participant)
	if err != nil {
		return router.NewJsonError(http.StatusBadRequest, err.Error())
	}

	return app.wsManager.Connect(participant, w, r)
}
