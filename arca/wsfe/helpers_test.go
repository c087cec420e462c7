package wsfe

import "github.com/beevik/etree"

func etreeDoc(s string) *etree.Document {
	doc := etree.NewDocument()
	_ = doc.ReadFromString(s)
	return doc
}
