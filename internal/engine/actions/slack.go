// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package actions

import (
	"context"
	"errors"
	"net/http"

	"github.com/slack-go/slack"

	"github.com/jasonrsadler/dsentr/internal/templating"
)

// executeSlack posts a message via chat.postMessage. The bot token arrives
// through node params (typically a hydrated {{secret.*}} reference).
func executeSlack(ctx context.Context, req *Request, st *State) (any, *string, error) {
	token := templating.Render(req.Node.StringParam("token"), req.Context)
	if token == "" {
		return nil, nil, errors.New("Slack bot token is required")
	}
	channel := templating.Render(req.Node.StringParam("channel"), req.Context)
	if channel == "" {
		return nil, nil, errors.New("Slack channel is required")
	}
	text := templating.Render(req.Node.StringParam("message"), req.Context)
	if text == "" {
		return nil, nil, errors.New("Slack message text is required")
	}

	opts := []slack.Option{}
	if st.SlackAPIURL != "" {
		opts = append(opts, slack.OptionAPIURL(st.SlackAPIURL))
	}
	if st.Transport != nil {
		opts = append(opts, slack.OptionHTTPClient(&http.Client{Transport: st.Transport}))
	}
	api := slack.New(token, opts...)

	postedChannel, ts, err := api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionAsUser(false),
	)
	if err != nil {
		return nil, nil, errors.New("Slack post failed: " + err.Error())
	}

	return map[string]any{
		"channel": postedChannel,
		"ts":      ts,
	}, nil, nil
}
