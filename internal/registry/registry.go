// Package registry pushes locally built images to ECR.
package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"

	"rampdeploy/internal/awsx"
	"rampdeploy/internal/deploy"
	"rampdeploy/internal/logging"
	"rampdeploy/internal/metrics"
)

const (
	mutableTag = "latest"

	// DefaultPushTimeout bounds tagging and pushing both references.
	DefaultPushTimeout = 30 * time.Minute
)

// Engine is the subset of the Docker Engine API used for pushing.
type Engine interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImageTag(ctx context.Context, source, target string) error
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
}

// NewEngine connects to the local daemon using DOCKER_HOST and friends.
func NewEngine(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return c, nil
}

type PushResult struct {
	RegistryURL  string `json:"registry_url"`
	ImmutableRef string `json:"immutable_ref"`
	Digest       string `json:"digest,omitempty"`
}

type Registry struct {
	ecr    ecriface.ECRAPI
	engine Engine
	log    *slog.Logger

	PushTimeout time.Duration
}

func New(ecrClient ecriface.ECRAPI, engine Engine, logger *slog.Logger) *Registry {
	return &Registry{ecr: ecrClient, engine: engine, log: logging.Or(logger), PushTimeout: DefaultPushTimeout}
}

// Push tags imageRef as repositoryURL:tag and repositoryURL:latest and pushes
// both. An empty tag is derived from the local image id. Every failure is a
// *deploy.RegistryPushError.
func (r *Registry) Push(ctx context.Context, imageRef, tag, repositoryURL string) (PushResult, error) {
	res, err := r.push(ctx, imageRef, tag, repositoryURL)
	if err != nil {
		metrics.ImagePushesTotal.WithLabelValues("error").Inc()
		var perr *deploy.RegistryPushError
		if errors.As(err, &perr) {
			return PushResult{}, err
		}
		return PushResult{}, &deploy.RegistryPushError{Image: imageRef, Err: err}
	}
	metrics.ImagePushesTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func (r *Registry) push(ctx context.Context, imageRef, tag, repositoryURL string) (PushResult, error) {
	if strings.TrimSpace(imageRef) == "" {
		return PushResult{}, errors.New("image reference required")
	}
	if strings.TrimSpace(repositoryURL) == "" {
		return PushResult{}, errors.New("repository url required")
	}
	if tag == mutableTag {
		return PushResult{}, fmt.Errorf("tag %q is mutable; pass a revision tag", mutableTag)
	}
	inspect, _, err := r.engine.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return PushResult{}, fmt.Errorf("inspect %s: %w", imageRef, err)
	}
	if tag == "" {
		tag = ContentTag(inspect.ID)
		if tag == "" {
			return PushResult{}, fmt.Errorf("image %s has no content id to derive a tag from", imageRef)
		}
	}
	auth, err := r.authenticate(ctx)
	if err != nil {
		return PushResult{}, err
	}

	// Once tagging starts the push runs to completion or its own timeout.
	mctx, cancel := awsx.Detach(ctx, r.PushTimeout)
	defer cancel()
	immutable := repositoryURL + ":" + tag
	latest := repositoryURL + ":" + mutableTag
	for _, target := range []string{immutable, latest} {
		if err := r.engine.ImageTag(mctx, imageRef, target); err != nil {
			return PushResult{}, fmt.Errorf("tag %s: %w", target, err)
		}
	}
	digest, err := r.pushRef(mctx, immutable, auth)
	if err != nil {
		return PushResult{}, err
	}
	if _, err := r.pushRef(mctx, latest, auth); err != nil {
		return PushResult{}, err
	}
	r.log.Info("pushed image", "image", imageRef, "ref", immutable, "digest", digest)
	return PushResult{RegistryURL: repositoryURL, ImmutableRef: immutable, Digest: digest}, nil
}

// authenticate exchanges IAM credentials for a registry auth header.
func (r *Registry) authenticate(ctx context.Context) (string, error) {
	out, err := r.ecr.GetAuthorizationTokenWithContext(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", fmt.Errorf("ecr authorization: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return "", errors.New("ecr authorization: empty response")
	}
	data := out.AuthorizationData[0]
	raw, err := base64.StdEncoding.DecodeString(aws.StringValue(data.AuthorizationToken))
	if err != nil {
		return "", fmt.Errorf("ecr authorization: decode token: %w", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return "", errors.New("ecr authorization: malformed token")
	}
	return dockerregistry.EncodeAuthConfig(dockerregistry.AuthConfig{
		Username:      user,
		Password:      pass,
		ServerAddress: aws.StringValue(data.ProxyEndpoint),
	})
}

func (r *Registry) pushRef(ctx context.Context, ref, auth string) (string, error) {
	body, err := r.engine.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return "", fmt.Errorf("push %s: %w", ref, err)
	}
	defer body.Close()
	var digest string
	dec := json.NewDecoder(body)
	for {
		var msg pushMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("decode push output: %w", err)
		}
		if e := msg.errorMessage(); e != "" {
			return "", fmt.Errorf("push %s: %s", ref, e)
		}
		if msg.Aux.Digest != "" {
			digest = msg.Aux.Digest
		}
	}
	return digest, nil
}

// ContentTag derives a short immutable tag from an image id such as
// "sha256:4f1c...".
func ContentTag(id string) string {
	_, hex, found := strings.Cut(id, ":")
	if !found {
		hex = id
	}
	if len(hex) > 12 {
		hex = hex[:12]
	}
	return hex
}

type pushMessage struct {
	Status      string `json:"status"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux struct {
		Tag    string `json:"Tag"`
		Digest string `json:"Digest"`
	} `json:"aux"`
}

func (m pushMessage) errorMessage() string {
	if s := strings.TrimSpace(m.Error); s != "" {
		return s
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}
