package gate

// Status is the outcome class of a verdict.
type Status string

const (
	StatusAccept Status = "accept"
	StatusReject Status = "reject"
	StatusError  Status = "error"
)

// Category ids. The order is part of the decision policy: ties go to the
// lower id, so these must never be renumbered.
const (
	CategoryDamaged = iota
	CategoryLowQuality
	CategoryPersonOrLandscape
	CategoryTransparentOrCropped
	CategoryClutteredBackground
	CategoryAcceptable
)

// Category is one semantic bucket an image can fall into, with the prompts
// that describe it and the verdict it maps to.
type Category struct {
	ID       int      `yaml:"id" json:"id"`
	Code     string   `yaml:"code" json:"code"`
	Label    string   `yaml:"label" json:"label"`
	Status   Status   `yaml:"status" json:"status"`
	Reason   string   `yaml:"reason" json:"reason"`
	Guidance string   `yaml:"guidance" json:"guidance"`
	Prompts  []string `yaml:"prompts" json:"prompts"`
}

var defaultCategories = []Category{
	{
		ID:       CategoryDamaged,
		Code:     "damaged_file",
		Label:    "SYSTEM REJECT",
		Status:   StatusReject,
		Reason:   "Damaged file data (partially loaded or corrupt)",
		Guidance: "This is not a valid image file. Upload an undamaged copy.",
		Prompts: []string{
			"An incomplete image that is only partially loaded.",
			"A photo covered by a large solid color block.",
			"A corrupted file with rendering errors.",
			"Glitch art with digital artifacts.",
		},
	},
	{
		ID:       CategoryLowQuality,
		Code:     "low_quality",
		Label:    "QUALITY REJECT",
		Status:   StatusReject,
		Reason:   "Severely blurred or low resolution",
		Guidance: "The photo is too blurry. Focus on the object and shoot again in good light.",
		Prompts: []string{
			"A very blurry photo where details are unrecognizable.",
			"Severe pixelation due to low resolution.",
			"Out of focus photography.",
		},
	},
	{
		ID:       CategoryPersonOrLandscape,
		Code:     "person_or_landscape",
		Label:    "SUBJECT REJECT",
		Status:   StatusReject,
		Reason:   "Person or landscape (cannot be converted to 3D)",
		Guidance: "People and wide landscapes are not supported for 3D conversion.",
		Prompts: []string{
			"A photo containing a human being, person, or people.",
			"A human figure in the frame.",
			"A man, woman, or child.",
			"A portrait or full body shot of a person.",
			"A panoramic landscape of nature or city.",
		},
	},
	{
		ID:       CategoryTransparentOrCropped,
		Code:     "transparent_or_cropped",
		Label:    "TECHNICAL REJECT",
		Status:   StatusReject,
		Reason:   "Transparent or reflective material, or object cut off",
		Guidance: "The object is cropped or see-through. Try again with a whole, opaque object.",
		Prompts: []string{
			"A transparent glass or water.",
			"A reflective mirror surface.",
			"An image where the object is cut off by the frame.",
		},
	},
	{
		ID:       CategoryClutteredBackground,
		Code:     "cluttered_background",
		Label:    "ENVIRONMENT REJECT",
		Status:   StatusReject,
		Reason:   "Background has too many structures",
		Guidance: "The area behind the object is busy. Shoot in front of a plain wall or in an open space.",
		Prompts: []string{
			"A background with a brick wall, stone fence, or house siding.",
			"Windows, doors, or architectural details behind the object.",
			"Dense bushes, hedges, or trees directly behind the object.",
			"A busy chaotic scene with urban clutter.",
		},
	},
	{
		ID:       CategoryAcceptable,
		Code:     "acceptable",
		Label:    "ACCEPTED",
		Status:   StatusAccept,
		Reason:   "Ready for 3D generation",
		Guidance: "Background and object both look good. Starting 3D generation.",
		Prompts: []string{
			"A product photo isolated on a plain white or solid color background.",
			"A studio shot with a solid smooth wall.",
			"A minimalist photo with a black or dark background.",
			"A high quality 3D render or cartoon character.",
			"A single object on a large open grass lawn.",
			"An object sitting on an empty floor or pavement.",
			"Delicious food photography.",
		},
	},
}

// DefaultCategories returns a copy of the built-in category table, ordered
// by id.
func DefaultCategories() []Category {
	out := make([]Category, len(defaultCategories))
	for i, c := range defaultCategories {
		c.Prompts = append([]string(nil), c.Prompts...)
		out[i] = c
	}
	return out
}
