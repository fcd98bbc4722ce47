package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"profile-feed/feed"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v2"
)

// seedFile lists users and their posts to load at startup.
type seedFile struct {
	Users []seedUser `yaml:"users"`
}

type seedUser struct {
	ID              string     `yaml:"id"`
	Username        string     `yaml:"username"`
	ProfileImageURL string     `yaml:"profile_image_url"`
	Posts           []seedPost `yaml:"posts"`
}

type seedPost struct {
	Caption     string    `yaml:"caption"`
	ImageURL    string    `yaml:"image_url"`
	ImageWidth  float64   `yaml:"image_width"`
	ImageHeight float64   `yaml:"image_height"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// seedNamespace derives stable keys for seeded posts.
var seedNamespace = uuid.MustParse("0b6b1c4e-5f0a-4c8e-9a51-3d1f2a7c9e10")

func loadSeed(fname string) (*seedFile, error) {
	data, err := os.ReadFile(fname) //nolint:gosec // file name from operator
	if err != nil {
		return nil, fmt.Errorf("can't read seed: %w", err)
	}
	var res seedFile
	if err := yaml.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("can't parse seed: %w", err)
	}
	for i, u := range res.Users {
		if u.ID == "" || u.Username == "" {
			return nil, fmt.Errorf("user #%d needs id and username", i)
		}
		for j, p := range u.Posts {
			if p.ImageURL == "" || p.CreatedAt.IsZero() {
				return nil, fmt.Errorf("post #%d of %s needs image_url and created_at", j, u.ID)
			}
		}
	}
	return &res, nil
}

// apply writes the seed, one user per worker.
func (s *seedFile) apply(ctx context.Context, store feed.OrderedStore) error {
	var (
		errs  *multierror.Error
		posts int
	)
	resCh := make(chan error, len(s.Users))
	wg := syncs.NewSizedGroup(4)
	for _, u := range s.Users {
		posts += len(u.Posts)
		wg.Go(func(context.Context) {
			resCh <- applyUser(ctx, store, u)
		})
	}
	wg.Wait()
	close(resCh)
	for err := range resCh {
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}
	log.Printf("[INFO] seeded %d users, %d posts", len(s.Users), posts)
	return nil
}

func applyUser(ctx context.Context, store feed.OrderedStore, u seedUser) error {
	user := feed.User{ID: u.ID, Username: u.Username, ProfileImageURL: u.ProfileImageURL}
	if err := store.Set(ctx, feed.UsersCollection, u.ID, feed.EncodeUser(user)); err != nil {
		return fmt.Errorf("user %s: %w", u.ID, err)
	}
	coll := feed.PostsCollection(u.ID)
	for i, p := range u.Posts {
		key := uuid.NewSHA1(seedNamespace, []byte(fmt.Sprintf("%s/%d", u.ID, i))).String()
		value := feed.EncodePost(feed.PostInput{
			Caption:     p.Caption,
			ImageURL:    p.ImageURL,
			ImageWidth:  p.ImageWidth,
			ImageHeight: p.ImageHeight,
			CreatedAt:   p.CreatedAt,
		})
		if err := store.Set(ctx, coll, key, value); err != nil {
			return fmt.Errorf("post %d of %s: %w", i, u.ID, err)
		}
	}
	return nil
}
