package social

import (
	"bytes"
	"context"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

func youtubeConfig() *Config {
	return &Config{
		Name:        "youtube",
		DisplayName: "YouTube",
		AuthKind:    AuthOAuth2,
		Endpoint:    google.Endpoint,
		Scopes: []string{
			"https://www.googleapis.com/auth/youtube.upload",
			"https://www.googleapis.com/auth/youtube.readonly",
		},
		// access_type=offline + consent is required or Google omits the
		// refresh token on re-authorization.
		ExtraAuthParams: map[string]string{"access_type": "offline", "prompt": "consent"},
		UploadsBytes:    true,
		Poll:            PollPolicy{},
	}
}

// youtubePlan uploads through the youtube/v3 client library, which handles
// the resumable-upload protocol itself: the insert call is the whole byte
// transfer, and the poll step watches processing status on the video id.
func youtubePlan(p *Provider, a *attempt) *uploadPlan {
	var svc *youtube.Service

	return &uploadPlan{
		Initialize: func(ctx context.Context) (string, error) {
			var err error
			svc, err = youtube.NewService(ctx, option.WithTokenSource(
				oauth2.StaticTokenSource(&oauth2.Token{AccessToken: a.token})))
			if err != nil {
				return "", configErr(p.cfg.Name, err.Error())
			}

			video := &youtube.Video{
				Snippet: &youtube.VideoSnippet{
					Title:       a.req.Title,
					Description: a.req.Text,
					CategoryId:  "22", // People & Blogs
				},
				Status: &youtube.VideoStatus{
					PrivacyStatus:           "public",
					SelfDeclaredMadeForKids: false,
				},
			}
			inserted, err := svc.Videos.Insert([]string{"snippet", "status"}, video).
				Media(bytes.NewReader(a.req.Video)).
				Context(ctx).
				Do()
			if err != nil {
				return "", stepErr(p.cfg.Name, "initialize", 0, err.Error())
			}
			return inserted.Id, nil
		},
		Poll: func(ctx context.Context, mediaID string) (pollResult, error) {
			list, err := svc.Videos.List([]string{"processingDetails"}).Id(mediaID).Context(ctx).Do()
			if err != nil {
				return pollResult{}, netErr(p.cfg.Name, "poll", err)
			}
			if len(list.Items) == 0 || list.Items[0].ProcessingDetails == nil {
				// Not all accounts expose processing details; treat as done.
				return pollResult{State: PollReady}, nil
			}
			switch list.Items[0].ProcessingDetails.ProcessingStatus {
			case "succeeded":
				return pollResult{State: PollReady}, nil
			case "failed", "terminated":
				return pollResult{State: PollFailed, Reason: "video processing " + list.Items[0].ProcessingDetails.ProcessingStatus}, nil
			}
			return pollResult{State: PollProcessing}, nil
		},
	}
}
