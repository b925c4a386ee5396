package classchat

import (
	"fmt"

	"github.com/hoclab/classchat/core"
)

// onParticipantConnect announces presence to everyone sharing a room
// with the participant. It fires on the first connection only, so a
// second tab never re-announces.
func (app *App) onParticipantConnect(p core.Participant) {
	contacts, err := app.chatStore.Contacts(app.context, p.ID)
	if err != nil {
		app.logger.Error(fmt.Sprintf("presence fan-out for %s: %s", p.ID, err))
		return
	}
	if len(contacts) == 0 {
		return
	}
	if err := app.eventRouter.EmitTo(PresenceEvent,
		PresencePayload{ID: p.ID, Online: true}, contacts...); err != nil {
		app.logger.Error(fmt.Sprintf("presence fan-out for %s: %s", p.ID, err))
	}
}

// onParticipantDisconnect fires once the participant's last connection
// closes; tabs closing while others stay open emit nothing.
func (app *App) onParticipantDisconnect(p core.Participant) {
	contacts, err := app.chatStore.Contacts(app.context, p.ID)
	if err != nil {
		app.logger.Error(fmt.Sprintf("presence fan-out for %s: %s", p.ID, err))
		return
	}
	if len(contacts) == 0 {
		return
	}
	if err := app.eventRouter.EmitTo(PresenceEvent,
		PresencePayload{ID: p.ID, Online: false}, contacts...); err != nil {
		app.logger.Error(fmt.Sprintf("presence fan-out for %s: %s", p.ID, err))
	}
}

// onConnectionOpen seeds a fresh connection with the current presence of
// the participant's contacts, so the client renders online markers
// without polling.
func (app *App) onConnectionOpen(p core.Participant, connID int) {
	contacts, err := app.chatStore.Contacts(app.context, p.ID)
	if err != nil {
		app.logger.Error(fmt.Sprintf("presence snapshot for %s: %s", p.ID, err))
		return
	}
	for _, contact := range contacts {
		if !app.wsManager.IsConnected(contact) {
			continue
		}
		app.eventRouter.EmitToConn(PresenceEvent,
			PresencePayload{ID: contact, Online: true}, p.ID, connID)
	}
}
