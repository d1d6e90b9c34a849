package client_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/momentics/hioload-mrcp/api"
	"github.com/momentics/hioload-mrcp/client"
)

func TestDispatcherRoutesByKindAndCommand(t *testing.T) {
	var got []string
	d := &client.Dispatcher{
		OnChannelAdd: func(_ *client.Session, _ *client.Channel, status api.Status) {
			got = append(got, "add:"+status.String())
		},
		OnMessageReceive: func(_ *client.Session, _ *client.Channel, m *api.ControlMessage) {
			got = append(got, "message:"+m.Method)
		},
		OnTerminateEvent: func(*client.Session, *client.Channel) {
			got = append(got, "terminate-event")
		},
	}
	h := d.AsHandler()
	h(&client.AppMessage{Kind: client.KindResponse, Command: client.CommandChannelAdd, Status: api.StatusSuccess})
	h(&client.AppMessage{Kind: client.KindControlEvent, Command: client.CommandMessage, Control: &api.ControlMessage{Method: "RECOGNITION-COMPLETE"}})
	h(&client.AppMessage{Kind: client.KindResponse, Command: client.CommandMessage, Control: &api.ControlMessage{Method: "RECOGNIZE"}})
	h(&client.AppMessage{Kind: client.KindTerminateEvent})

	assert.Equal(t, []string{"add:success", "message:RECOGNITION-COMPLETE", "message:RECOGNIZE", "terminate-event"}, got)
	assert.False(t, d.Handle(&client.AppMessage{Kind: client.KindResponse, Command: client.CommandSessionUpdate}))
}
